package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/securestore"
)

const (
	snapshotStoreName    = "gossip_snapshot"
	selfVersionStoreName = "last_self_version"
)

// loadSelfVersion reads the persisted self-version counter, so a restarted
// node resumes above every version it ever gossiped.
func (n *Node) loadSelfVersion() (uint64, error) {
	raw, err := n.store.Read(securestore.NamespaceState, selfVersionStoreName)
	if err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("node: parse stored self version: %w", err)
	}
	return v, nil
}

func (n *Node) saveSelfVersion(v uint64) error {
	return n.store.Write(securestore.NamespaceState, selfVersionStoreName, []byte(strconv.FormatUint(v, 10)))
}

// saveSnapshot persists the directory, minus the transient liveness
// fields, so a restarted node rejoins with its last-known peer set.
func (n *Node) saveSnapshot() error {
	entries := n.dir.All()
	for i := range entries {
		entries[i].LastSeen = time.Time{}
		entries[i].Status = ""
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("node: marshal gossip snapshot: %w", err)
	}
	return n.store.Write(securestore.NamespaceState, snapshotStoreName, raw)
}

// loadSnapshot restores peers from the previous run. Entries come back
// with a fresh LastSeen so they are gossipable immediately; live traffic
// corrects any that are actually gone within a sweep cycle.
func (n *Node) loadSnapshot() error {
	raw, err := n.store.Read(securestore.NamespaceState, snapshotStoreName)
	if err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil
		}
		return err
	}

	var entries []model.NodeInfo
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("node: parse gossip snapshot: %w", err)
	}

	now := time.Now()
	restored := 0
	for _, info := range entries {
		if info.NodeID == n.cfg.NodeID {
			continue
		}
		info.LastSeen = now
		info.Status = model.StatusAlive
		if n.dir.Upsert(info) {
			restored++
		}
	}
	if restored > 0 {
		log.WithComponent("node").Info().Int("peers", restored).Msg("restored directory snapshot")
	}
	return nil
}
