// Package directory keeps the in-memory view of known peers: a concurrent
// map from node_id to NodeInfo plus role lookups, fed by gossip and read
// by the proxy, the dispatcher, and the failure sweeper.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/model"
)

// ChangeEvent is published whenever Upsert accepts a NodeInfo: one that
// advances a node's version, or ties it with a later LastSeen.
type ChangeEvent struct {
	Info model.NodeInfo
}

// Subscriber is a buffered channel of ChangeEvents; a full buffer drops
// the event rather than blocking the upserting goroutine.
type Subscriber chan ChangeEvent

// Directory is the concurrent NodeDirectory. Zero value is not usable; use
// New.
type Directory struct {
	selfID string

	suspectAfter time.Duration
	deadAfter    time.Duration
	evictAfter   time.Duration

	mu    sync.RWMutex
	nodes map[string]model.NodeInfo

	subMu sync.RWMutex
	subs  map[Subscriber]bool
}

// New builds a Directory for the given self node_id, with decay thresholds
// drawn from config.
func New(selfID string, cfg config.Config) *Directory {
	return &Directory{
		selfID:       selfID,
		suspectAfter: cfg.SuspectTimeout(),
		deadAfter:    cfg.DeadTimeout(),
		evictAfter:   cfg.EvictTimeout(),
		nodes:        make(map[string]model.NodeInfo),
		subs:         make(map[Subscriber]bool),
	}
}

// Subscribe registers a new change-event subscriber.
func (d *Directory) Subscribe() Subscriber {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	sub := make(Subscriber, 64)
	d.subs[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (d *Directory) Unsubscribe(sub Subscriber) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.subs[sub] {
		delete(d.subs, sub)
		close(sub)
	}
}

func (d *Directory) publish(info model.NodeInfo) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	for sub := range d.subs {
		select {
		case sub <- ChangeEvent{Info: info}:
		default:
		}
	}
}

// Upsert accepts info iff info.NodeID != self and info.Version is greater
// than (or ties with a later LastSeen than) the existing entry's. Self is
// always authoritative: a remote report about the local node_id is
// silently ignored, never applied.
func (d *Directory) Upsert(info model.NodeInfo) bool {
	if info.NodeID == d.selfID {
		return false
	}

	d.mu.Lock()
	existing, ok := d.nodes[info.NodeID]
	accept := !ok || info.Version > existing.Version ||
		(info.Version == existing.Version && info.LastSeen.After(existing.LastSeen))
	if accept {
		info.Status = model.StatusFor(info.LastSeen, time.Now(), d.suspectAfter, d.deadAfter)
		d.nodes[info.NodeID] = info.Clone()
	}
	d.mu.Unlock()

	if accept {
		d.publish(info)
	}
	return accept
}

// MarkSeen refreshes LastSeen for node_id without touching Version. It is
// a no-op for unknown node_ids and for self.
func (d *Directory) MarkSeen(nodeID string, now time.Time) {
	if nodeID == d.selfID {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.nodes[nodeID]
	if !ok {
		return
	}
	info.LastSeen = now
	info.Status = model.StatusFor(now, now, d.suspectAfter, d.deadAfter)
	d.nodes[nodeID] = info
}

// PutSelf installs or updates the local node's own NodeInfo. It bypasses
// the version-monotonicity check that Upsert applies to peers, since the
// local node is always the authority on its own record.
func (d *Directory) PutSelf(info model.NodeInfo) {
	d.mu.Lock()
	d.nodes[info.NodeID] = info.Clone()
	d.mu.Unlock()
}

// Sweep recomputes status from (now - LastSeen) for every entry and evicts
// entries dead for longer than evictAfter. Safe to call concurrently with
// Upsert; the directory is consistent per-key, not globally atomic, across
// a single Sweep pass.
func (d *Directory) Sweep(now time.Time) (evicted []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, info := range d.nodes {
		// Self liveness is not in question; only peers decay.
		if id == d.selfID {
			continue
		}
		status := model.StatusFor(info.LastSeen, now, d.suspectAfter, d.deadAfter)
		if status == model.StatusDead && now.Sub(info.LastSeen) >= d.deadAfter+d.evictAfter {
			delete(d.nodes, id)
			evicted = append(evicted, id)
			continue
		}
		if status != info.Status {
			info.Status = status
			d.nodes[id] = info
		}
	}
	return evicted
}

// Lookup returns the NodeInfo for node_id, if known.
func (d *Directory) Lookup(nodeID string) (model.NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.nodes[nodeID]
	return info.Clone(), ok
}

// LookupByRole returns the alive node_ids with the given role, in
// lexicographic order so callers get stable tie-breaks.
func (d *Directory) LookupByRole(role model.Role) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id, info := range d.nodes {
		if info.Role == role && info.Status == model.StatusAlive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// All returns a snapshot of every known NodeInfo, including self if
// selfInfo was supplied by the caller via PutSelf.
func (d *Directory) All() []model.NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.NodeInfo, 0, len(d.nodes))
	for _, info := range d.nodes {
		out = append(out, info.Clone())
	}
	return out
}

// Size returns the number of known entries, including self once the
// caller has stored it via PutSelf.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}
