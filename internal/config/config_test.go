package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeforge/fabric/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: w1
role: worker
bootstrap_coordinators:
  - c1.internal:8800
gossip_interval_min_seconds: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "w1", cfg.NodeID)
	assert.Equal(t, model.RoleWorker, cfg.Role)
	assert.Equal(t, 2*time.Second, cfg.GossipIntervalMin())
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.GossipIntervalMax())
	assert.Equal(t, 90*time.Second, cfg.DeadTimeout())
	assert.True(t, cfg.RateLimitEnabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRequiresNodeID(t *testing.T) {
	cfg := Defaults()
	cfg.Role = model.RoleCoordinator
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = "n1"
	cfg.Role = "observer"
	assert.Error(t, cfg.Validate())
}

func TestValidateWorkerNeedsBootstrap(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = "w1"
	cfg.Role = model.RoleWorker
	assert.Error(t, cfg.Validate())

	cfg.BootstrapCoordinators = []string{"c1:8800"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateCoordinatorNeedsNoBootstrap(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = "c1"
	cfg.Role = model.RoleCoordinator
	assert.NoError(t, cfg.Validate())
}
