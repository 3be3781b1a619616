package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/connpool"
	"github.com/nodeforge/fabric/internal/directory"
	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/registry"
)

// fakePool routes every Get to a single fixed peer, standing in for
// ConnectionPool so remote-call tests can point at an httptest.Server
// without standing up real mTLS.
type fakePool struct {
	peer *connpool.Peer
}

func (f fakePool) Get(nodeID string, info model.NodeInfo) (*connpool.Peer, error) {
	return f.peer, nil
}

// TestLocalCall: a single coordinator calls a local method
// and gets the handler's result directly, with no network I/O.
func TestLocalCall(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("system", "ping", model.MethodMeta{}, func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"pong": params["name"]}, nil
	}))
	reg.Freeze()
	d := NewDispatcher(reg, nil, nil)

	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	proxy := NewProxy("c1", dir, d, nil)

	result, err := proxy.Service("system").Local().Call(context.Background(), "ping", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pong": "x"}, result)
}

// TestRemoteCallByNodeID: c1 calls echo/say on w1 by node_id
// and receives the remote handler's JSON result over HTTPS /rpc.
func TestRemoteCallByNodeID(t *testing.T) {
	wReg := registry.New()
	require.NoError(t, wReg.Register("echo", "say", model.MethodMeta{}, func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"echoed": params["msg"], "from": "w1"}, nil
	}))
	wReg.Freeze()
	wDispatcher := NewDispatcher(wReg, nil, nil)

	srv := httptest.NewServer(wDispatcher.Handler())
	defer srv.Close()

	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	require.True(t, dir.Upsert(model.NodeInfo{NodeID: "w1", Role: model.RoleWorker, Version: 1, LastSeen: time.Now(), Status: model.StatusAlive}))

	pool := fakePool{peer: &connpool.Peer{BaseURL: srv.URL, Client: srv.Client()}}
	proxy := NewProxy("c1", dir, nil, pool)
	result, err := proxy.Service("echo").Node("w1").Call(context.Background(), "say", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echoed": "hi", "from": "w1"}, result)
}

// TestRemoteCallByRole: w2 resolves the "coordinator" role to
// c1 and calls ops/noop on it.
func TestRemoteCallByRole(t *testing.T) {
	cReg := registry.New()
	require.NoError(t, cReg.Register("ops", "noop", model.MethodMeta{}, func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"from": "c1"}, nil
	}))
	cReg.Freeze()
	srv := httptest.NewServer(NewDispatcher(cReg, nil, nil).Handler())
	defer srv.Close()

	cfg := config.Defaults()
	dir := directory.New("w2", cfg)
	require.True(t, dir.Upsert(model.NodeInfo{NodeID: "c1", Role: model.RoleCoordinator, Version: 1, LastSeen: time.Now(), Status: model.StatusAlive}))
	require.True(t, dir.Upsert(model.NodeInfo{NodeID: "w1", Role: model.RoleWorker, Version: 1, LastSeen: time.Now(), Status: model.StatusAlive}))

	target := dir.LookupByRole(model.RoleCoordinator)
	require.Equal(t, []string{"c1"}, target)

	pool := fakePool{peer: &connpool.Peer{BaseURL: srv.URL, Client: srv.Client()}}
	proxy := NewProxy("w2", dir, nil, pool)
	result, err := proxy.Service("ops").Role(model.RoleCoordinator).Call(context.Background(), "noop", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"from": "c1"}, result)
}

func TestUnboundTargetIsLocal(t *testing.T) {
	reg := registry.New()
	reg.Freeze()
	d := NewDispatcher(reg, nil, nil)
	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	proxy := NewProxy("c1", dir, d, nil)

	_, err := proxy.Service("system").Local().Call(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.MethodNotFound))
}

func TestUnknownTargetNodeID(t *testing.T) {
	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	proxy := NewProxy("c1", dir, nil, nil)

	_, err := proxy.Service("any").Node("ghost").Call(context.Background(), "m", nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.UnknownTarget))
}

func TestUnknownTargetRole(t *testing.T) {
	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	proxy := NewProxy("c1", dir, nil, nil)

	_, err := proxy.Service("any").Role(model.RoleCoordinator).Call(context.Background(), "m", nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.UnknownTarget))
}

// A peer that exceeds the pooled client's own deadline must surface as
// Timeout, not TransportError, even though the caller's ctx has no
// deadline and is never cancelled.
func TestRemoteCallTimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	require.True(t, dir.Upsert(model.NodeInfo{NodeID: "w1", Role: model.RoleWorker, Version: 1, LastSeen: time.Now(), Status: model.StatusAlive}))

	client := &http.Client{Timeout: 50 * time.Millisecond}
	pool := fakePool{peer: &connpool.Peer{BaseURL: srv.URL, Client: client}}
	proxy := NewProxy("c1", dir, nil, pool)

	_, err := proxy.Service("echo").Node("w1").Call(context.Background(), "say", nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Timeout))
}

// Resolve classifies a path token as role, node_id, or method, in that
// order.
func TestResolveClassifiesTokens(t *testing.T) {
	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	require.True(t, dir.Upsert(model.NodeInfo{NodeID: "w1", Role: model.RoleWorker, Version: 1, LastSeen: time.Now(), Status: model.StatusAlive}))

	proxy := NewProxy("c1", dir, nil, nil)
	svc := proxy.Service("echo")

	target, _, isMethod := svc.Resolve("coordinator")
	require.False(t, isMethod)
	assert.Equal(t, model.RoleCoordinator, target.role)

	target, _, isMethod = svc.Resolve("w1")
	require.False(t, isMethod)
	assert.Equal(t, "w1", target.nodeID)

	_, method, isMethod := svc.Resolve("say")
	require.True(t, isMethod)
	assert.Equal(t, "say", method)
}

func TestInvalidAfterCallKind(t *testing.T) {
	err := InvalidAfterCall("echo.w1.say.extra")
	assert.True(t, errkind.Is(err, errkind.InvalidProxyPath))
}

func TestDeadTargetIsUnknown(t *testing.T) {
	cfg := config.Defaults()
	dir := directory.New("c1", cfg)
	require.True(t, dir.Upsert(model.NodeInfo{NodeID: "w1", Version: 1, LastSeen: time.Now().Add(-time.Hour), Status: model.StatusDead}))

	proxy := NewProxy("c1", dir, nil, nil)
	_, err := proxy.Service("any").Node("w1").Call(context.Background(), "m", nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.UnknownTarget))
}
