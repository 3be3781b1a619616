package security

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/config"
)

func marshalRecordForTest(rec any) ([]byte, error) {
	return json.Marshal(rec)
}

func TestCheckReportsMissingCertNeedsRenewal(t *testing.T) {
	p := NewProvisioner("w1", config.Defaults(), newMemStore(), nil, func() string { return "" })
	assert.Equal(t, StateCheck, p.State())
	_, needsRenewal := p.check(nil, "")
	assert.True(t, needsRenewal)
}

func TestCheckReportsFreshCertOK(t *testing.T) {
	cfg := config.Defaults()
	store := newMemStore()
	ca := NewAuthority(store)
	require.NoError(t, ca.LoadOrCreate())

	ip := net.ParseIP("10.0.0.9")
	rec, err := ca.IssueLeaf("w1", []net.IP{ip}, []string{"w1.local"})
	require.NoError(t, err)

	raw, err := marshalRecordForTest(rec)
	require.NoError(t, err)
	require.NoError(t, store.Write("cert", certRecordName, raw))

	p := NewProvisioner("w1", cfg, store, nil, ca.Fingerprint)
	_, needsRenewal := p.check([]net.IP{ip}, "w1.local")
	assert.False(t, needsRenewal)
}

func TestCheckDetectsFingerprintMismatch(t *testing.T) {
	cfg := config.Defaults()
	store := newMemStore()
	ca := NewAuthority(store)
	require.NoError(t, ca.LoadOrCreate())

	ip := net.ParseIP("10.0.0.9")
	rec, err := ca.IssueLeaf("w1", []net.IP{ip}, nil)
	require.NoError(t, err)
	raw, err := marshalRecordForTest(rec)
	require.NoError(t, err)
	require.NoError(t, store.Write("cert", certRecordName, raw))

	p := NewProvisioner("w1", cfg, store, nil, func() string { return "a-different-fingerprint" })
	_, needsRenewal := p.check([]net.IP{ip}, "")
	assert.True(t, needsRenewal)
}

func TestCheckDetectsMissingSANIP(t *testing.T) {
	cfg := config.Defaults()
	store := newMemStore()
	ca := NewAuthority(store)
	require.NoError(t, ca.LoadOrCreate())

	rec, err := ca.IssueLeaf("w1", []net.IP{net.ParseIP("10.0.0.9")}, nil)
	require.NoError(t, err)
	raw, err := marshalRecordForTest(rec)
	require.NoError(t, err)
	require.NoError(t, store.Write("cert", certRecordName, raw))

	p := NewProvisioner("w1", cfg, store, nil, ca.Fingerprint)
	_, needsRenewal := p.check([]net.IP{net.ParseIP("10.0.0.200")}, "")
	assert.True(t, needsRenewal)
}

// TestEnsureColdStartIssuance: a worker with no cert, given
// a bootstrap address pointed at a coordinator's handlers, obtains a leaf
// signed by the coordinator's CA via the challenge-response dance.
func TestEnsureColdStartIssuance(t *testing.T) {
	coordStore := newMemStore()
	ca := NewAuthority(coordStore)
	require.NoError(t, ca.LoadOrCreate())

	const validatorPort = 18943
	handlers := NewCoordinatorHandlers(ca, true, validatorPort, nil)
	mux := http.NewServeMux()
	handlers.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	bootstrapAddr := strings.TrimPrefix(srv.URL, "http://")

	workerCfg := config.Defaults()
	workerCfg.CertValidatorHTTPPort = validatorPort
	workerStore := newMemStore()

	p := NewProvisioner("w1", workerCfg, workerStore, []string{bootstrapAddr}, ca.Fingerprint)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := p.Ensure(ctx, []net.IP{net.ParseIP("127.0.0.1")}, "w1.local")
	require.NoError(t, err)
	assert.Equal(t, ca.Fingerprint(), rec.IssuerFingerprint)
	assert.NotEmpty(t, rec.CertPEM)
	assert.NotEmpty(t, rec.KeyPEM)
	assert.Equal(t, StateRun, p.State())
}
