package security

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/securestore"
)

// memStore is an in-memory securestore.Store fake for tests that don't need
// durability, avoiding a bbolt-backed temp file per test.
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
	ns, ok := m.data[namespace]
	if !ok {
		return nil, securestore.ErrNotFound
	}
	v, ok := ns[name]
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

func TestLoadOrCreateGeneratesFreshCA(t *testing.T) {
	store := newMemStore()
	authority := NewAuthority(store)

	require.NoError(t, authority.LoadOrCreate())
	assert.NotEmpty(t, authority.Fingerprint())
	assert.NotEmpty(t, authority.CertPEM())
}

func TestLoadOrCreateReloadsPersistedCA(t *testing.T) {
	store := newMemStore()
	first := NewAuthority(store)
	require.NoError(t, first.LoadOrCreate())
	fp := first.Fingerprint()

	second := NewAuthority(store)
	require.NoError(t, second.LoadOrCreate())
	assert.Equal(t, fp, second.Fingerprint())
}

func TestIssueLeafSetsExpectedFields(t *testing.T) {
	store := newMemStore()
	authority := NewAuthority(store)
	require.NoError(t, authority.LoadOrCreate())

	rec, err := authority.IssueLeaf("w1", []net.IP{net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.5")}, []string{"w1.local", "w1.local"})
	require.NoError(t, err)

	assert.Equal(t, authority.Fingerprint(), rec.IssuerFingerprint)
	assert.Equal(t, []string{"10.0.0.5"}, rec.SANIPs)
	assert.Equal(t, []string{"w1.local"}, rec.SANDNS)
	assert.True(t, rec.NotAfter.After(rec.NotBefore))

	tlsCert, err := RecordToTLSCertificate(rec)
	require.NoError(t, err)
	assert.NotNil(t, tlsCert.Leaf)
}

func TestIssueLeafFailsWithoutInitializedCA(t *testing.T) {
	authority := NewAuthority(newMemStore())
	_, err := authority.IssueLeaf("w1", nil, nil)
	require.Error(t, err)
}
