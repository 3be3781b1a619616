package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/model"
)

// CoordinatorHandlers serves the plain-HTTP bootstrap endpoints a
// coordinator exposes so a worker with no leaf certificate yet can obtain
// one: GET /internal/ca-cert and POST /internal/cert-request.
type CoordinatorHandlers struct {
	authority     *Authority
	isCoordinator bool
	validatorPort int
	client        *http.Client
	tokens        TokenValidator

	mu      sync.Mutex
	pending map[string]model.PendingChallenge
}

// TokenValidator checks the bootstrap token presented on a cert-request,
// so only operator-admitted nodes can request a certificate for a node_id.
// nil disables the check.
type TokenValidator interface {
	Validate(value string) (role string, err error)
}

// NewCoordinatorHandlers builds the handler set. isCoordinator gates the
// coordinator-only endpoints with 403; authority may be nil on a worker.
// tokens may be nil to accept cert-requests without a bootstrap token.
func NewCoordinatorHandlers(authority *Authority, isCoordinator bool, validatorPort int, tokens TokenValidator) *CoordinatorHandlers {
	return &CoordinatorHandlers{
		authority:     authority,
		isCoordinator: isCoordinator,
		validatorPort: validatorPort,
		client:        &http.Client{Timeout: 10 * time.Second},
		tokens:        tokens,
		pending:       make(map[string]model.PendingChallenge),
	}
}

// Register wires the coordinator-only routes onto mux. The worker-side
// /internal/cert-challenge/{token} validator lives in Provisioner, which
// runs its own short-lived listener: in a multi-coordinator cluster a node
// may request a cert from another while itself granting one.
func (h *CoordinatorHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/internal/ca-cert", h.handleCACert)
	mux.HandleFunc("/internal/cert-request", h.handleCertRequest)
}

func (h *CoordinatorHandlers) handleCACert(w http.ResponseWriter, r *http.Request) {
	if !h.isCoordinator {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	pem := h.authority.CertPEM()
	if pem == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem)
}

func (h *CoordinatorHandlers) handleCertRequest(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("security.coordinator")

	if !h.isCoordinator {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if h.tokens != nil {
		if _, err := h.tokens.Validate(r.Header.Get("X-Bootstrap-Token")); err != nil {
			logger.Warn().Err(err).Msg("cert-request rejected: invalid bootstrap token")
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	var req certRequestBody
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || req.Challenge == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	requesterIP := hostOf(r.RemoteAddr)

	pending := model.PendingChallenge{
		ChallengeToken:     req.Challenge,
		RequesterNodeID:    req.NodeID,
		RequesterAddress:   requesterIP,
		RequestedSANIPs:    req.IPAddresses,
		RequestedSANDNS:    req.DNSNames,
		OldCertFingerprint: req.OldCertFingerprint,
		ExpiresAt:          time.Now().Add(challengeDeadline),
	}
	if req.OldCertFingerprint != "" {
		logger.Info().Str("node_id", req.NodeID).Str("old_cert_fingerprint", req.OldCertFingerprint).Msg("cert-request carries a previous certificate")
	}
	// One active challenge per requester: storing preempts any in-flight
	// challenge for this node_id.
	h.mu.Lock()
	for id, old := range h.pending {
		if time.Now().After(old.ExpiresAt) {
			delete(h.pending, id)
		}
	}
	h.pending[req.NodeID] = pending
	h.mu.Unlock()

	if err := h.validateChallenge(r.Context(), pending); err != nil {
		logger.Warn().Err(err).Str("node_id", req.NodeID).Msg("cert challenge validation failed")
		if strings.Contains(err.Error(), "mismatch") {
			w.WriteHeader(http.StatusForbidden)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}

	// A newer request for the same node_id may have preempted this one
	// while the callback was in flight; only the current challenge may
	// proceed to issuance.
	h.mu.Lock()
	current, live := h.pending[req.NodeID]
	if live && current.ChallengeToken == pending.ChallengeToken {
		delete(h.pending, req.NodeID)
	} else {
		live = false
	}
	h.mu.Unlock()
	if !live {
		logger.Warn().Str("node_id", req.NodeID).Msg("challenge preempted by a newer cert-request")
		w.WriteHeader(http.StatusConflict)
		return
	}

	ips := make([]net.IP, 0, len(req.IPAddresses))
	for _, s := range req.IPAddresses {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}

	rec, err := h.authority.IssueLeaf(req.NodeID, ips, req.DNSNames)
	if err != nil {
		logger.Error().Err(err).Str("node_id", req.NodeID).Msg("failed to issue leaf certificate")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp := certRequestResponse{
		Certificate: string(rec.CertPEM),
		PrivateKey:  string(rec.KeyPEM),
		NodeID:      req.NodeID,
		ValidDays:   int(rec.NotAfter.Sub(rec.NotBefore).Hours() / 24),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// validateChallenge implements AWAIT_CALLBACK: fetch the requester's
// validator and compare the returned challenge/node_id to what was
// requested.
func (h *CoordinatorHandlers) validateChallenge(ctx context.Context, pending model.PendingChallenge) error {
	url := fmt.Sprintf("http://%s:%d/internal/cert-challenge/%s", pending.RequesterAddress, h.validatorPort, pending.ChallengeToken)

	reqCtx, cancel := context.WithTimeout(ctx, challengeDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build challenge fetch: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("challenge endpoint returned %d", resp.StatusCode)
	}

	var got struct {
		Challenge string `json:"challenge"`
		NodeID    string `json:"node_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		return fmt.Errorf("decode challenge response: %w", err)
	}
	if got.Challenge != pending.ChallengeToken || got.NodeID != pending.RequesterNodeID {
		return fmt.Errorf("challenge mismatch for %s", pending.RequesterNodeID)
	}
	return nil
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
