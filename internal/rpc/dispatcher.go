package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/metricsx"
	"github.com/nodeforge/fabric/internal/registry"
)

// Limiter is the subset of RateLimiter the dispatcher needs: admit reports
// whether the call is allowed and, if not, how long to wait.
type Limiter interface {
	Allow(class, identity string) (ok bool, retryAfter time.Duration)
}

// Authenticator validates an inbound request, returning the caller's
// identity (node_id if mTLS/bearer resolved one) or an AuthFailed error.
type Authenticator interface {
	Authenticate(r *http.Request) (identity string, err error)
}

// Dispatcher is the server-side JSON-RPC 2.0 endpoint. It also hosts the
// fixed auxiliary paths (/health and friends) and exposes Mux so other
// components (the gossip receiver, the CA handlers, the metrics endpoint)
// can register alongside it under one TLS listener.
type Dispatcher struct {
	registry *registry.Registry
	limiter  Limiter
	auth     Authenticator
	mux      *http.ServeMux
}

// NewDispatcher builds a Dispatcher. limiter/auth may be nil to disable
// rate limiting / authentication (e.g. in unit tests).
func NewDispatcher(reg *registry.Registry, limiter Limiter, auth Authenticator) *Dispatcher {
	d := &Dispatcher{registry: reg, limiter: limiter, auth: auth, mux: http.NewServeMux()}
	d.mux.HandleFunc("/rpc", d.handleRPC)
	d.mux.HandleFunc("/health", d.handleHealth)
	return d
}

// Mux exposes the dispatcher's ServeMux so LifecycleOrchestrator can wire
// the cert-provisioning and gossip handlers onto the same listener.
func (d *Dispatcher) Mux() *http.ServeMux { return d.mux }

// Handler returns the http.Handler to pass to an http.Server / tls.Config.
func (d *Dispatcher) Handler() http.Handler { return d.mux }

// Execute implements LocalExecutor: it looks up and runs a handler
// synchronously in the caller's goroutine.
func (d *Dispatcher) Execute(ctx context.Context, service, method string, params map[string]any) (any, error) {
	entry, err := d.registry.Lookup(service, method)
	if err != nil {
		return nil, err
	}
	return entry.Handler(ctx, params)
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.limiter != nil {
		identity := callerIdentity(r)
		if ok, retryAfter := d.limiter.Allow("health", identity); !ok {
			writeRetryAfter(w, retryAfter)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (d *Dispatcher) handleRPC(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("rpc.dispatcher")

	identity := callerIdentity(r)
	if d.auth != nil {
		authedID, err := d.auth.Authenticate(r)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &ErrorObject{Code: CodeOtherError, Message: "unauthorized"}})
			return
		}
		if authedID != "" {
			identity = authedID
		}
	}

	if d.limiter != nil {
		if ok, retryAfter := d.limiter.Allow("rpc", identity); !ok {
			metricsx.RPCRateLimitedTotal.Inc()
			writeRetryAfter(w, retryAfter)
			return
		}
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "", CodeParseError, "parse error", http.StatusOK)
		return
	}

	service, method, ok := splitMethod(req.Method)
	if !ok {
		writeError(w, req.ID, CodeMethodNotFound, fmt.Sprintf("malformed method %q", req.Method), http.StatusOK)
		return
	}

	var params map[string]any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeError(w, req.ID, CodeParseError, "parse error in params", http.StatusOK)
			return
		}
	}

	started := time.Now()
	result, err := d.Execute(r.Context(), service, method, params)
	metricsx.RPCRequestDuration.WithLabelValues(req.Method).Observe(time.Since(started).Seconds())
	if err != nil {
		code, msg := classify(err)
		logger.Debug().Err(err).Str("method", req.Method).Msg("handler returned error")
		metricsx.RPCRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		writeError(w, req.ID, code, msg, http.StatusOK)
		return
	}
	metricsx.RPCRequestsTotal.WithLabelValues(req.Method, "ok").Inc()

	resultBytes, err := json.Marshal(result)
	if err != nil {
		writeError(w, req.ID, CodeOtherError, "failed to marshal result", http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: resultBytes, ID: req.ID})
}

// classify maps an error to its JSON-RPC code.
func classify(err error) (int, string) {
	kind, ok := errkind.Of(err)
	if !ok {
		return CodeOtherError, err.Error()
	}
	switch kind {
	case errkind.MethodNotFound:
		return CodeMethodNotFound, err.Error()
	case errkind.RateLimited:
		return CodeRateLimited, err.Error()
	case errkind.TransportError, errkind.Timeout:
		return CodeHandlerFailure, err.Error()
	default:
		return CodeOtherError, err.Error()
	}
}

func splitMethod(method string) (service, name string, ok bool) {
	for i := 0; i < len(method); i++ {
		if method[i] == '/' {
			return method[:i], method[i+1:], true
		}
	}
	return "", "", false
}

func writeError(w http.ResponseWriter, id string, code int, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		JSONRPC: "2.0",
		Error:   &ErrorObject{Code: code, Message: message},
		ID:      id,
	})
}

func writeRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(Response{
		JSONRPC: "2.0",
		Error:   &ErrorObject{Code: CodeRateLimited, Message: "rate limited"},
	})
}

func callerIdentity(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0].Subject.CommonName
	}
	host := r.RemoteAddr
	return host
}
