package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/model"
)

func newTestDirectory() *Directory {
	cfg := config.Defaults()
	cfg.SuspectTimeoutSeconds = 30
	cfg.DeadTimeoutSeconds = 90
	cfg.EvictTimeoutSeconds = 600
	return New("self", cfg)
}

func TestUpsertRejectsLowerVersion(t *testing.T) {
	d := newTestDirectory()
	now := time.Now()

	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w1", Version: 2, LastSeen: now, Role: model.RoleWorker}))
	require.False(t, d.Upsert(model.NodeInfo{NodeID: "w1", Version: 1, LastSeen: now, Role: model.RoleWorker}))

	info, ok := d.Lookup("w1")
	require.True(t, ok)
	assert.EqualValues(t, 2, info.Version)
}

func TestUpsertIgnoresSelf(t *testing.T) {
	d := newTestDirectory()
	require.False(t, d.Upsert(model.NodeInfo{NodeID: "self", Version: 99}))
	_, ok := d.Lookup("self")
	assert.False(t, ok)
}

func TestUpsertTieBreaksOnLastSeen(t *testing.T) {
	d := newTestDirectory()
	earlier := time.Now().Add(-time.Minute)
	later := time.Now()

	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w1", Version: 1, LastSeen: earlier}))
	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w1", Version: 1, LastSeen: later}))

	info, _ := d.Lookup("w1")
	assert.Equal(t, later.Unix(), info.LastSeen.Unix())
}

func TestStatusDecay(t *testing.T) {
	d := newTestDirectory()
	now := time.Now()
	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w1", Version: 1, LastSeen: now.Add(-45 * time.Second)}))

	d.Sweep(now)
	info, _ := d.Lookup("w1")
	assert.Equal(t, model.StatusSuspected, info.Status)
}

func TestSweepEvictsLongDead(t *testing.T) {
	d := newTestDirectory()
	now := time.Now()
	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w1", Version: 1, LastSeen: now.Add(-20 * time.Minute)}))

	evicted := d.Sweep(now)
	assert.Contains(t, evicted, "w1")
	_, ok := d.Lookup("w1")
	assert.False(t, ok)
}

func TestLookupByRoleDeterministicOrder(t *testing.T) {
	d := newTestDirectory()
	now := time.Now()
	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w2", Role: model.RoleWorker, Version: 1, LastSeen: now}))
	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w1", Role: model.RoleWorker, Version: 1, LastSeen: now}))
	require.True(t, d.Upsert(model.NodeInfo{NodeID: "c1", Role: model.RoleCoordinator, Version: 1, LastSeen: now}))

	assert.Equal(t, []string{"w1", "w2"}, d.LookupByRole(model.RoleWorker))
	assert.Equal(t, []string{"c1"}, d.LookupByRole(model.RoleCoordinator))
}

func TestChangeEventPublishedOnAccept(t *testing.T) {
	d := newTestDirectory()
	sub := d.Subscribe()
	defer d.Unsubscribe(sub)

	require.True(t, d.Upsert(model.NodeInfo{NodeID: "w1", Version: 1, LastSeen: time.Now()}))

	select {
	case ev := <-sub:
		assert.Equal(t, "w1", ev.Info.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}
}
