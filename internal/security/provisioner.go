package security

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/metricsx"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/securestore"
)

const (
	certRecordName    = "leaf"
	backoffBase       = 1 * time.Second
	backoffCap        = 60 * time.Second
	challengeDeadline = 30 * time.Second
)

// State names the provisioner state machine's steps.
type State string

const (
	StateCheck               State = "CHECK"
	StateSpinUpHTTPValidator State = "SPIN_UP_HTTP_VALIDATOR"
	StateRequestCert         State = "REQUEST_CERT"
	StateAwaitCallback       State = "AWAIT_CALLBACK"
	StateInstall             State = "INSTALL"
	StateBackoff             State = "BACKOFF"
	StateRun                 State = "RUN"
)

// Provisioner drives a worker (or coordinator's own leaf) cert through
// CHECK -> ... -> RUN, retrying with exponential backoff on failure.
type Provisioner struct {
	selfID         string
	cfg            config.Config
	store          securestore.Store
	bootstrap      []string
	trustCA        func() (fingerprint string)
	bootstrapToken string
	client         *http.Client

	mu        sync.Mutex
	state     State
	pending   *pendingChallenge
	validator *http.Server
}

type pendingChallenge struct {
	token  string
	nodeID string
}

// NewProvisioner builds a Provisioner. trustCA returns the fingerprint of
// the currently-trusted CA (security.Authority.Fingerprint on the
// coordinator, or the fingerprint of the CA cert fetched at bootstrap on a
// worker).
func NewProvisioner(selfID string, cfg config.Config, store securestore.Store, bootstrap []string, trustCA func() string) *Provisioner {
	return &Provisioner{
		selfID:    selfID,
		cfg:       cfg,
		store:     store,
		bootstrap: bootstrap,
		trustCA:   trustCA,
		state:     StateCheck,
		client:    &http.Client{Timeout: cfg.OutboundDeadline()},
	}
}

// State reports the step the provisioner is currently in.
func (p *Provisioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Provisioner) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	log.WithComponent("security.provisioner").Debug().Str("state", string(s)).Msg("state transition")
}

// WithBootstrapToken attaches a bootstrap token to every future
// cert-request, for coordinators running with a TokenValidator. Returns p
// for chaining at construction time.
func (p *Provisioner) WithBootstrapToken(token string) *Provisioner {
	p.bootstrapToken = token
	return p
}

// Ensure runs the state machine until a valid leaf certificate is
// installed (or ctx is cancelled), retrying REQUEST_CERT with exponential
// backoff on failure.
func (p *Provisioner) Ensure(ctx context.Context, ips []net.IP, hostname string) (model.CertificateRecord, error) {
	logger := log.WithComponent("security.provisioner")
	backoff := backoffBase

	for {
		p.setState(StateCheck)
		rec, needsRenewal := p.check(ips, hostname)
		if !needsRenewal {
			p.setState(StateRun)
			return rec, nil
		}

		p.setState(StateSpinUpHTTPValidator)
		if err := p.startValidator(); err != nil {
			return model.CertificateRecord{}, errkind.Wrap(errkind.CertProvisioningFail, "spin up validator", err)
		}

		p.setState(StateRequestCert)
		newRec, err := p.requestCert(ctx, ips, hostname, rec.IssuerFingerprint)
		p.stopValidator()

		if err == nil {
			p.setState(StateInstall)
			if err := p.install(newRec); err != nil {
				return model.CertificateRecord{}, errkind.Wrap(errkind.CertProvisioningFail, "install certificate", err)
			}
			metricsx.CertProvisionAttempts.WithLabelValues("ok").Inc()
			p.setState(StateRun)
			return newRec, nil
		}

		metricsx.CertProvisionAttempts.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Dur("backoff", backoff).Msg("cert provisioning attempt failed, retrying")
		p.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return model.CertificateRecord{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// Check reports the currently-stored leaf record and whether it needs
// renewal. Coordinators use this to decide when to self-issue instead of
// running the full challenge flow against themselves.
func (p *Provisioner) Check(ips []net.IP, hostname string) (model.CertificateRecord, bool) {
	return p.check(ips, hostname)
}

// Install persists rec as the node's current leaf certificate.
func (p *Provisioner) Install(rec model.CertificateRecord) error {
	return p.install(rec)
}

// check implements CHECK: needs-renewal iff absent, within the renewal
// leadtime of expiry, missing the current IP/hostname from SAN, or its
// issuer fingerprint no longer matches the trusted CA.
func (p *Provisioner) check(ips []net.IP, hostname string) (model.CertificateRecord, bool) {
	raw, err := p.store.Read(securestore.NamespaceCert, certRecordName)
	if err != nil {
		return model.CertificateRecord{}, true
	}
	var rec model.CertificateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.CertificateRecord{}, true
	}

	if time.Until(rec.NotAfter) < p.cfg.CertRenewalLeadtime() {
		return rec, true
	}
	if !containsAnyIP(rec.SANIPs, ips) {
		return rec, true
	}
	if hostname != "" && !containsString(rec.SANDNS, hostname) {
		return rec, true
	}
	if p.trustCA != nil && rec.IssuerFingerprint != p.trustCA() {
		return rec, true
	}
	return rec, false
}

func containsAnyIP(sanIPs []string, candidates []net.IP) bool {
	for _, ip := range candidates {
		for _, s := range sanIPs {
			if s == ip.String() {
				return true
			}
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// startValidator binds the temporary plain-HTTP listener for the
// SPIN_UP_HTTP_VALIDATOR step.
func (p *Provisioner) startValidator() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/internal/cert-challenge/", p.handleChallenge)
	p.validator = &http.Server{Addr: fmt.Sprintf(":%d", p.cfg.CertValidatorHTTPPort), Handler: mux}

	ln, err := net.Listen("tcp", p.validator.Addr)
	if err != nil {
		return fmt.Errorf("listen on validator port: %w", err)
	}
	go func() {
		_ = p.validator.Serve(ln)
	}()
	return nil
}

func (p *Provisioner) stopValidator() {
	p.mu.Lock()
	srv := p.validator
	p.validator = nil
	p.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (p *Provisioner) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token := lastPathSegment(r.URL.Path)

	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()

	if pending == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if token != pending.token {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"challenge": pending.token,
		"node_id":   pending.nodeID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func lastPathSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

type certRequestBody struct {
	NodeID             string   `json:"node_id"`
	Challenge          string   `json:"challenge"`
	IPAddresses        []string `json:"ip_addresses"`
	DNSNames           []string `json:"dns_names"`
	OldCertFingerprint string   `json:"old_cert_fingerprint,omitempty"`
}

type certRequestResponse struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
	NodeID      string `json:"node_id"`
	ValidDays   int    `json:"valid_days"`
}

// requestCert implements REQUEST_CERT + AWAIT_CALLBACK: generate a
// challenge, register it so the validator can answer the coordinator's
// callback, then POST to each bootstrap address in turn until one
// succeeds.
func (p *Provisioner) requestCert(ctx context.Context, ips []net.IP, hostname, oldFingerprint string) (model.CertificateRecord, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return model.CertificateRecord{}, fmt.Errorf("generate challenge: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)

	p.mu.Lock()
	p.pending = &pendingChallenge{token: token, nodeID: p.selfID}
	p.mu.Unlock()

	ipStrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		ipStrs = append(ipStrs, ip.String())
	}
	var dnsNames []string
	if hostname != "" {
		dnsNames = []string{hostname}
	}

	body := certRequestBody{
		NodeID:             p.selfID,
		Challenge:          token,
		IPAddresses:        ipStrs,
		DNSNames:           dnsNames,
		OldCertFingerprint: oldFingerprint,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return model.CertificateRecord{}, fmt.Errorf("marshal cert request: %w", err)
	}

	var lastErr error
	for _, addr := range p.bootstrap {
		rec, err := p.postCertRequest(ctx, addr, payload)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no bootstrap coordinators configured")
	}
	return model.CertificateRecord{}, lastErr
}

func (p *Provisioner) postCertRequest(ctx context.Context, addr string, payload []byte) (model.CertificateRecord, error) {
	url := fmt.Sprintf("http://%s/internal/cert-request", addr)
	reqCtx, cancel := context.WithTimeout(ctx, challengeDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return model.CertificateRecord{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.bootstrapToken != "" {
		req.Header.Set("X-Bootstrap-Token", p.bootstrapToken)
	}

	// The coordinator fetches the challenge from our validator while this
	// POST is in flight.
	p.setState(StateAwaitCallback)
	resp, err := p.client.Do(req)
	if err != nil {
		return model.CertificateRecord{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CertificateRecord{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.CertificateRecord{}, fmt.Errorf("cert-request to %s returned %d: %s", addr, resp.StatusCode, string(respBody))
	}

	var parsed certRequestResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return model.CertificateRecord{}, fmt.Errorf("parse cert-request response: %w", err)
	}

	certPEM := []byte(parsed.Certificate)
	keyPEM := []byte(parsed.PrivateKey)
	cert, _, err := parseCertKeyPEM(certPEM, keyPEM)
	if err != nil {
		return model.CertificateRecord{}, fmt.Errorf("parse issued certificate: %w", err)
	}

	sanIPs := make([]string, len(cert.IPAddresses))
	for i, ip := range cert.IPAddresses {
		sanIPs[i] = ip.String()
	}

	var issuerFingerprint string
	if p.trustCA != nil {
		issuerFingerprint = p.trustCA()
	}

	return model.CertificateRecord{
		CertPEM:           certPEM,
		KeyPEM:            keyPEM,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		SANIPs:            sanIPs,
		SANDNS:            cert.DNSNames,
		IssuerFingerprint: issuerFingerprint,
	}, nil
}

// install implements INSTALL: persists the new CertificateRecord so the
// TLS listener can be (re)started with it.
func (p *Provisioner) install(rec model.CertificateRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal certificate record: %w", err)
	}
	if err := p.store.Write(securestore.NamespaceCert, certRecordName, raw); err != nil {
		return fmt.Errorf("persist certificate record: %w", err)
	}
	return p.store.Flush()
}
