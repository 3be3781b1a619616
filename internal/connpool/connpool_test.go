package connpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/model"
)

func trustFixture(fingerprint string) func() TrustRoot {
	return func() TrustRoot {
		return TrustRoot{Fingerprint: fingerprint}
	}
}

func TestGetReusesClientForSameFingerprint(t *testing.T) {
	p := New(trustFixture("fp1"), Options{})
	info := model.NodeInfo{NodeID: "w1", Address: "10.0.0.1", Port: 8801}

	peer1, err := p.Get("w1", info)
	require.NoError(t, err)
	peer2, err := p.Get("w1", info)
	require.NoError(t, err)

	assert.Same(t, peer1.Client, peer2.Client)
}

func TestGetRebuildsOnFingerprintRotation(t *testing.T) {
	fp := "fp1"
	p := New(func() TrustRoot { return TrustRoot{Fingerprint: fp} }, Options{})
	info := model.NodeInfo{NodeID: "w1", Address: "10.0.0.1", Port: 8801}

	peer1, err := p.Get("w1", info)
	require.NoError(t, err)

	fp = "fp2"
	peer2, err := p.Get("w1", info)
	require.NoError(t, err)

	assert.NotSame(t, peer1.Client, peer2.Client)
}

func TestGetUpdatesBaseURLOnAddressChange(t *testing.T) {
	p := New(trustFixture("fp1"), Options{})
	info := model.NodeInfo{NodeID: "w1", Address: "10.0.0.1", Port: 8801}
	_, err := p.Get("w1", info)
	require.NoError(t, err)

	info.Address = "10.0.0.2"
	peer, err := p.Get("w1", info)
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.2:8801", peer.BaseURL)
}

func TestEvictsLeastRecentlyUsedOverCap(t *testing.T) {
	p := New(trustFixture("fp1"), Options{MaxTotalConnections: 1})
	_, err := p.Get("w1", model.NodeInfo{NodeID: "w1", Address: "10.0.0.1", Port: 8801})
	require.NoError(t, err)
	_, err = p.Get("w2", model.NodeInfo{NodeID: "w2", Address: "10.0.0.2", Port: 8801})
	require.NoError(t, err)

	p.mu.Lock()
	_, w1Present := p.peers["w1"]
	_, w2Present := p.peers["w2"]
	p.mu.Unlock()

	assert.False(t, w1Present)
	assert.True(t, w2Present)
}
