package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/nodeforge/fabric/internal/connpool"
	"github.com/nodeforge/fabric/internal/directory"
	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/model"
)

// LocalExecutor runs a handler in-process; RpcDispatcher implements this so
// Proxy can invoke local methods without a network hop.
type LocalExecutor interface {
	Execute(ctx context.Context, service, method string, params map[string]any) (any, error)
}

// PeerResolver is the subset of ConnectionPool the proxy needs: a pooled
// client for a bound remote target. *connpool.Pool satisfies this; tests
// substitute a fake that points at an httptest server.
type PeerResolver interface {
	Get(nodeID string, info model.NodeInfo) (*connpool.Peer, error)
}

// Proxy resolves a service call path to a local or remote invocation: a
// typed Service(name) returns a Target bound to nothing, a node_id, or a
// role, whose Call executes locally or remotely.
type Proxy struct {
	dir    *directory.Directory
	local  LocalExecutor
	pool   PeerResolver
	selfID string
}

// NewProxy builds a Proxy. dir resolves targets, local executes unbound
// calls in-process, pool dials bound remote targets.
func NewProxy(selfID string, dir *directory.Directory, local LocalExecutor, pool PeerResolver) *Proxy {
	return &Proxy{selfID: selfID, dir: dir, local: local, pool: pool}
}

// Service begins a call-path builder for the named service. The service
// name itself is never validated here; a bad one surfaces as
// MethodNotFound at call time.
func (p *Proxy) Service(name string) *ServiceBuilder {
	return &ServiceBuilder{proxy: p, service: name}
}

// ServiceBuilder is the service-scoped half of the call path.
type ServiceBuilder struct {
	proxy   *Proxy
	service string
}

// Local produces a Target with no bound node: the eventual Call executes in
// the caller's own process.
func (s *ServiceBuilder) Local() *Target {
	return &Target{proxy: s.proxy, service: s.service}
}

// Node binds the call path to an exact node_id.
func (s *ServiceBuilder) Node(nodeID string) *Target {
	return &Target{proxy: s.proxy, service: s.service, nodeID: nodeID, bound: true}
}

// Role binds the call path to an alive node of the given role, resolved
// deterministically (lowest node_id) at Call time.
func (s *ServiceBuilder) Role(role model.Role) *Target {
	return &Target{proxy: s.proxy, service: s.service, role: role, bound: true}
}

// Resolve classifies token for callers building a call path from a dotted
// string: a reserved role name first, then a known node_id. Any other
// token is returned as the method name, with a nil Target and true.
func (s *ServiceBuilder) Resolve(token string) (*Target, string, bool) {
	switch model.Role(token) {
	case model.RoleCoordinator, model.RoleWorker:
		return s.Role(model.Role(token)), "", false
	}
	if s.proxy.dir != nil {
		if _, ok := s.proxy.dir.Lookup(token); ok {
			return s.Node(token), "", false
		}
	}
	return nil, token, true
}

// Target is a service call path with zero or one bound node/role.
type Target struct {
	proxy   *Proxy
	service string
	nodeID  string
	role    model.Role
	bound   bool
}

// resolveNode finds the concrete node_id and NodeInfo this target's Call
// will hit, applying the deterministic lowest-node_id role tie-break.
func (t *Target) resolveNode() (string, model.NodeInfo, error) {
	if t.nodeID != "" {
		info, ok := t.proxy.dir.Lookup(t.nodeID)
		if !ok || info.Status == model.StatusDead {
			return "", model.NodeInfo{}, errkind.New(errkind.UnknownTarget, t.nodeID)
		}
		return t.nodeID, info, nil
	}
	if t.role != "" {
		ids := t.proxy.dir.LookupByRole(t.role)
		if len(ids) == 0 {
			return "", model.NodeInfo{}, errkind.New(errkind.UnknownTarget, string(t.role))
		}
		id := ids[0]
		info, _ := t.proxy.dir.Lookup(id)
		return id, info, nil
	}
	return "", model.NodeInfo{}, nil
}

// Call executes method with args, locally if the target is unbound,
// remotely over JSON-RPC otherwise.
func (t *Target) Call(ctx context.Context, method string, args map[string]any) (any, error) {
	if !t.bound {
		return t.proxy.local.Execute(ctx, t.service, method, args)
	}

	nodeID, info, err := t.resolveNode()
	if err != nil {
		return nil, err
	}
	if nodeID == t.proxy.selfID {
		return t.proxy.local.Execute(ctx, t.service, method, args)
	}

	peer, err := t.proxy.pool.Get(nodeID, info)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "connection pool", err)
	}

	params, err := json.Marshal(args)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "marshal params", err)
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  model.MethodKey(t.service, method),
		Params:  params,
		ID:      uuid.NewString(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.BaseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := peer.Client.Do(httpReq)
	if err != nil {
		// The pooled client enforces the outbound deadline via its own
		// Timeout, which never cancels the caller's ctx; the error itself
		// is the only reliable timeout signal.
		if isTimeout(err) || ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.Timeout, "rpc call", err)
		}
		return nil, errkind.Wrap(errkind.TransportError, "rpc call", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "read response", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "unmarshal response", err)
	}
	if resp.Error != nil {
		return nil, errkind.Remote(resp.Error.Code, resp.Error.Message)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, errkind.Wrap(errkind.TransportError, "unmarshal result", err)
		}
	}
	return result, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// InvalidAfterCall is returned when a caller tries to continue chaining
// path segments after the method step. The builder shape makes this
// structurally impossible for compiled callers (Target has no further
// chaining methods once Call is reached); the helper exists for runtime
// parsers of dotted string paths.
func InvalidAfterCall(path string) error {
	return errkind.New(errkind.InvalidProxyPath, fmt.Sprintf("no further attributes allowed after method step in %q", path))
}
