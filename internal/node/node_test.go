package node

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/securestore"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string][]byte)}
}

func (m *memStore) Read(namespace, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[namespace][name]
	if !ok {
		return nil, securestore.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Write(namespace, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[namespace] == nil {
		m.data[namespace] = make(map[string][]byte)
	}
	m.data[namespace][name] = value
	return nil
}

func (m *memStore) Delete(namespace, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], name)
	return nil
}

func (m *memStore) Flush() error { return nil }
func (m *memStore) Close() error { return nil }

func coordinatorConfig() config.Config {
	cfg := config.Defaults()
	cfg.NodeID = "c1"
	cfg.Role = model.RoleCoordinator
	return cfg
}

func TestNewRegistersBuiltins(t *testing.T) {
	n, err := New(coordinatorConfig())
	require.NoError(t, err)

	_, err = n.reg.Lookup("system", "ping")
	assert.NoError(t, err)
	_, err = n.reg.Lookup("cluster", "nodes")
	assert.NoError(t, err)
}

func TestSelfVersionPersistsAcrossRestarts(t *testing.T) {
	store := newMemStore()

	n, err := New(coordinatorConfig())
	require.NoError(t, err)
	n.store = store

	n.bumpSelf()
	n.bumpSelf()

	restarted, err := New(coordinatorConfig())
	require.NoError(t, err)
	restarted.store = store

	v, err := restarted.loadSelfVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newMemStore()

	n, err := New(coordinatorConfig())
	require.NoError(t, err)
	n.store = store

	require.True(t, n.dir.Upsert(model.NodeInfo{
		NodeID: "w1", Address: "10.0.0.2", Port: 8801, Role: model.RoleWorker,
		LastSeen: time.Now(), Status: model.StatusAlive, Version: 7,
	}))
	require.NoError(t, n.saveSnapshot())

	restarted, err := New(coordinatorConfig())
	require.NoError(t, err)
	restarted.store = store
	require.NoError(t, restarted.loadSnapshot())

	info, ok := restarted.dir.Lookup("w1")
	require.True(t, ok)
	assert.Equal(t, uint64(7), info.Version)
	assert.Equal(t, "10.0.0.2", info.Address)
	assert.Equal(t, model.StatusAlive, info.Status)
}

func TestSnapshotSkipsSelf(t *testing.T) {
	store := newMemStore()

	n, err := New(coordinatorConfig())
	require.NoError(t, err)
	n.store = store
	n.bumpSelf()
	require.NoError(t, n.saveSnapshot())

	restarted, err := New(coordinatorConfig())
	require.NoError(t, err)
	restarted.store = store
	require.NoError(t, restarted.loadSnapshot())

	// Self is rebuilt from local state at startup, never from a snapshot.
	_, ok := restarted.dir.Lookup("c1")
	assert.False(t, ok)
}

func TestBumpSelfAdvancesVersionAndServices(t *testing.T) {
	n, err := New(coordinatorConfig())
	require.NoError(t, err)
	n.store = newMemStore()

	n.bumpSelf()
	info, ok := n.dir.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), info.Version)
	assert.Contains(t, info.Services, "system")
	assert.Contains(t, info.Services["cluster"].Methods, "nodes")

	n.bumpSelf()
	info, _ = n.dir.Lookup("c1")
	assert.Equal(t, uint64(2), info.Version)
}

func TestGenerateTokenIsCoordinatorOnly(t *testing.T) {
	cfg := config.Defaults()
	cfg.NodeID = "w1"
	cfg.Role = model.RoleWorker
	cfg.BootstrapCoordinators = []string{"c1:8800"}

	n, err := New(cfg)
	require.NoError(t, err)

	_, err = n.handleGenerateToken(nil, map[string]any{})
	assert.Error(t, err)
}
