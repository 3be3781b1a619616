package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/config"
)

func cfgWith(rpcPerMin, rpcBurst int) config.Config {
	cfg := config.Defaults()
	cfg.NodeID = "c1"
	cfg.RateLimitRPCPerMin = rpcPerMin
	cfg.RateLimitRPCBurst = rpcBurst
	return cfg
}

func TestAllowWithinBurstSucceeds(t *testing.T) {
	l := New(cfgWith(5, 2))
	ok1, _ := l.Allow("rpc", "w1")
	ok2, _ := l.Allow("rpc", "w1")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestAllowBeyondBurstRejectsWithRetryAfter(t *testing.T) {
	l := New(cfgWith(5, 2))
	_, _ = l.Allow("rpc", "w1")
	_, _ = l.Allow("rpc", "w1")
	ok, retryAfter := l.Allow("rpc", "w1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllowIsPerIdentity(t *testing.T) {
	l := New(cfgWith(5, 1))
	ok1, _ := l.Allow("rpc", "w1")
	ok2, _ := l.Allow("rpc", "w2")
	require.True(t, ok1)
	assert.True(t, ok2)
}

func TestInternalClassIsUnlimited(t *testing.T) {
	l := New(cfgWith(1, 1))
	for i := 0; i < 50; i++ {
		ok, _ := l.Allow("internal", "w1")
		require.True(t, ok)
	}
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	cfg := cfgWith(1, 1)
	cfg.RateLimitEnabled = false
	l := New(cfg)
	for i := 0; i < 50; i++ {
		ok, _ := l.Allow("rpc", "w1")
		require.True(t, ok)
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := New(cfgWith(5, 2))
	_, _ = l.Allow("rpc", "w1")
	evicted := l.Sweep(-time.Second)
	assert.Equal(t, 1, evicted)
}
