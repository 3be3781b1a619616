package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry) {
	reg := registry.New()
	require.NoError(t, reg.Register("system", "ping", model.MethodMeta{Public: true}, func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"pong": params["name"]}, nil
	}))
	reg.Freeze()
	return NewDispatcher(reg, nil, nil), reg
}

func doRPC(t *testing.T, d *Dispatcher, method string, params map[string]any) *httptest.ResponseRecorder {
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, ID: "1", Params: mustMarshal(t, params)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	return rec
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatcherExecutesRegisteredMethod(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec := doRPC(t, d, "system/ping", map[string]any{"name": "x"})

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "x", result["pong"])
}

func TestDispatcherMethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec := doRPC(t, d, "system/missing", nil)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDispatcherHealthEndpoint(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fixedLimiter struct {
	allow      bool
	retryAfter int
}

func (f fixedLimiter) Allow(class, identity string) (bool, time.Duration) {
	return f.allow, time.Duration(f.retryAfter) * time.Second
}

func TestDispatcherRateLimited(t *testing.T) {
	reg := registry.New()
	reg.Freeze()
	d := NewDispatcher(reg, fixedLimiter{allow: false, retryAfter: 3}, nil)

	rec := doRPC(t, d, "system/ping", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
}
