package rpc

import (
	"net/http"
	"strings"

	"github.com/nodeforge/fabric/internal/errkind"
)

// BearerAuth authenticates inbound requests by a static shared token
// (config.Config.BearerAuth), the simpler of the two supported schemes.
// It never
// resolves an identity beyond "authenticated"; callers fall back to the
// dispatcher's own callerIdentity for rate-limit bucketing.
type BearerAuth struct {
	Token string
}

// Authenticate implements Authenticator.
func (b BearerAuth) Authenticate(r *http.Request) (string, error) {
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" || got != b.Token {
		return "", errkind.New(errkind.AuthFailed, "missing or invalid bearer token")
	}
	return "", nil
}

// MTLSAuth authenticates inbound requests by the peer certificate
// presented during the TLS handshake (the default under mutual TLS, since
// every node already carries a CA-issued leaf identifying it by node_id
// CN). The identity returned is the leaf's CommonName, which
// ConnectionPool/Authority mint as the requester's node_id.
type MTLSAuth struct{}

// Authenticate implements Authenticator.
func (MTLSAuth) Authenticate(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", errkind.New(errkind.AuthFailed, "no client certificate presented")
	}
	return r.TLS.PeerCertificates[0].Subject.CommonName, nil
}
