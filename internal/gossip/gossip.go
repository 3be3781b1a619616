// Package gossip implements the periodic membership push protocol: an
// adaptive tick loop builds a digest of known peers, picks a bounded set
// of targets biased toward stale and coordinator peers, and sends it over
// the same TLS transport RPC uses. The receive path feeds the node
// directory directly.
package gossip

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/connpool"
	"github.com/nodeforge/fabric/internal/directory"
	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/metricsx"
	"github.com/nodeforge/fabric/internal/model"
)

const (
	estimatorWindow = 60 * time.Second
	digestCap       = 50
)

// PeerResolver is the transport the gossiper dials targets through;
// *connpool.Pool satisfies it. Declared locally (rather than reusing
// internal/rpc's identical interface) so gossip never has to import rpc.
type PeerResolver interface {
	Get(nodeID string, info model.NodeInfo) (*connpool.Peer, error)
}

// Gossiper drives the build-digest / pick-targets / send cycle on an
// adaptive tick, and exposes Handler for the inbound side.
type Gossiper struct {
	selfID string
	dir    *directory.Directory
	pool   PeerResolver
	cfg    config.Config

	tMin, tMax time.Duration
	maxTargets int
	threshold  int

	estimator *loadEstimator

	mu          sync.Mutex
	interval    time.Duration
	failures    map[string]int
	frozenSince map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Gossiper bound to dir, which already owns the up-to-date
// self NodeInfo (PutSelf), so digests always reflect the latest version
// even across address reselection or service changes.
func New(selfID string, dir *directory.Directory, pool PeerResolver, cfg config.Config) *Gossiper {
	return &Gossiper{
		selfID:      selfID,
		dir:         dir,
		pool:        pool,
		cfg:         cfg,
		tMin:        cfg.GossipIntervalMin(),
		tMax:        cfg.GossipIntervalMax(),
		maxTargets:  cfg.GossipMaxTargets,
		threshold:   cfg.GossipCompressionThreshold,
		estimator:   newLoadEstimator(estimatorWindow),
		failures:    make(map[string]int),
		frozenSince: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the tick loop in its own goroutine.
func (g *Gossiper) Start(ctx context.Context) {
	go g.run(ctx)
}

// Stop signals the tick loop to exit. It blocks until the loop has
// finished its in-flight send fan-out (bounded by a 5s deadline) and
// returned.
func (g *Gossiper) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *Gossiper) run(ctx context.Context) {
	defer close(g.doneCh)
	logger := log.WithComponent("gossip")

	g.mu.Lock()
	g.interval = g.tMin
	current := g.interval
	g.mu.Unlock()

	timer := time.NewTimer(current)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			g.cycle(ctx)

			g.mu.Lock()
			g.interval = nextInterval(g.estimator.rate(time.Now()), g.tMin, g.tMax, g.interval)
			current = g.interval
			g.mu.Unlock()
			metricsx.GossipInterval.Set(current.Seconds())
			timer.Reset(current)
		case <-g.stopCh:
			logger.Info().Msg("gossip tick loop stopped")
			return
		case <-ctx.Done():
			logger.Info().Msg("gossip tick loop cancelled")
			return
		}
	}
}

// cycle runs one build-digest / pick-targets / send pass, with the whole
// fan-out bounded by a 5s deadline so shutdown never waits on a slow peer.
func (g *Gossiper) cycle(ctx context.Context) {
	logger := log.WithComponent("gossip")

	metricsx.GossipRoundsTotal.Inc()

	all := g.dir.All()
	targets := g.pickTargets(all)
	if len(targets) == 0 {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(t model.NodeInfo) {
			defer wg.Done()
			frame := g.buildDigest(all)
			if err := g.sendTo(sendCtx, t, frame); err != nil {
				logger.Debug().Err(err).Str("target", t.NodeID).Msg("gossip send failed")
				metricsx.GossipSendsTotal.WithLabelValues("error").Inc()
				g.recordFailure(t.NodeID)
				return
			}
			metricsx.GossipSendsTotal.WithLabelValues("ok").Inc()
			g.recordSuccess(t.NodeID)
		}(target)
	}
	wg.Wait()
}

// buildDigest assembles self (authoritative) plus a newest-first sample of
// known peers capped at digestCap entries.
func (g *Gossiper) buildDigest(all []model.NodeInfo) Frame {
	self, ok := g.dir.Lookup(g.selfID)
	entries := make([]NodeInfoWire, 0, digestCap+1)
	if ok {
		entries = append(entries, toWire(self))
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Version > all[j].Version })
	for _, info := range all {
		if len(entries) >= digestCap {
			break
		}
		if info.NodeID == g.selfID || info.Status == model.StatusDead {
			continue
		}
		entries = append(entries, toWire(info))
	}

	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return Frame{From: g.selfID, Nonce: hex.EncodeToString(nonce), Entries: entries}
}

// pickTargets selects up to maxTargets alive peers uniformly at random,
// biased to always include stale peers (age > tMin*3) and at least one
// coordinator when self is not one.
func (g *Gossiper) pickTargets(all []model.NodeInfo) []model.NodeInfo {
	var alive []model.NodeInfo
	for _, info := range all {
		if info.NodeID != g.selfID && info.Status == model.StatusAlive {
			alive = append(alive, info)
		}
	}
	if len(alive) == 0 {
		return nil
	}

	staleCutoff := g.tMin * 3
	now := time.Now()

	picked := make(map[string]model.NodeInfo)

	for _, info := range alive {
		if now.Sub(info.LastSeen) > staleCutoff {
			picked[info.NodeID] = info
		}
	}

	self, selfKnown := g.dir.Lookup(g.selfID)
	if !selfKnown || self.Role != model.RoleCoordinator {
		for _, info := range alive {
			if info.Role == model.RoleCoordinator {
				picked[info.NodeID] = info
				break
			}
		}
	}

	shuffled := append([]model.NodeInfo(nil), alive...)
	mrand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	for _, info := range shuffled {
		if len(picked) >= g.maxTargets {
			break
		}
		picked[info.NodeID] = info
	}

	out := make([]model.NodeInfo, 0, len(picked))
	for _, info := range picked {
		out = append(out, info)
		if len(out) >= g.maxTargets {
			break
		}
	}
	return out
}

func (g *Gossiper) sendTo(ctx context.Context, target model.NodeInfo, frame Frame) error {
	peer, err := g.pool.Get(target.NodeID, target)
	if err != nil {
		return fmt.Errorf("gossip: pool get %s: %w", target.NodeID, err)
	}

	body, err := Encode(frame, g.threshold)
	if err != nil {
		return fmt.Errorf("gossip: encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.BaseURL+"/internal/gossip", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gossip: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := peer.Client.Do(req)
	if err != nil {
		return fmt.Errorf("gossip: send to %s: %w", target.NodeID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	g.estimator.record(time.Now())
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gossip: %s responded %d", target.NodeID, resp.StatusCode)
	}
	return nil
}

// recordFailure tracks consecutive send failures per peer; after more than
// 3 consecutive failures the peer's last_seen is treated as frozen, which
// accelerates its sweep toward suspected/dead.
func (g *Gossiper) recordFailure(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[nodeID]++
	if g.failures[nodeID] > 3 {
		if _, frozen := g.frozenSince[nodeID]; !frozen {
			g.frozenSince[nodeID] = time.Now()
		}
	}
}

func (g *Gossiper) recordSuccess(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, nodeID)
	delete(g.frozenSince, nodeID)
}

// Frozen reports whether nodeID's last_seen is currently being treated as
// frozen due to sustained send failure, and since when.
func (g *Gossiper) Frozen(nodeID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.frozenSince[nodeID]
	return t, ok
}

// HandleFrame applies an inbound digest: upsert every entry, then refresh
// the sender's last_seen unconditionally, regardless of whether any entry
// actually advanced a version.
func (g *Gossiper) HandleFrame(frame Frame) {
	now := time.Now()
	for _, wire := range frame.Entries {
		info := fromWire(wire)
		g.dir.Upsert(info)
	}
	g.dir.MarkSeen(frame.From, now)
	g.estimator.record(now)
	metricsx.GossipFramesReceived.Inc()
}

// SendDigest pushes one digest to baseURL using client, outside the pool
// and the tick loop. Nodes joining a cluster use this to announce
// themselves to a bootstrap coordinator before its node_id is known.
func (g *Gossiper) SendDigest(ctx context.Context, client *http.Client, baseURL string) error {
	frame := g.buildDigest(g.dir.All())
	body, err := Encode(frame, g.threshold)
	if err != nil {
		return fmt.Errorf("gossip: encode frame: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/gossip", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gossip: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gossip: push to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gossip: %s responded %d", baseURL, resp.StatusCode)
	}
	return nil
}

// Handler returns the POST /internal/gossip receiver.
func (g *Gossiper) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		frame, err := Decode(body)
		if err != nil {
			log.WithComponent("gossip").Debug().Err(err).Msg("failed to decode gossip frame")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.HandleFrame(frame)
		w.WriteHeader(http.StatusOK)
	}
}
