// Package connpool caches one mTLS HTTP client per peer, keyed by node_id
// rather than address so entries survive the multi-homed address changes
// addrselect.Select can trigger.
package connpool

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/metricsx"
	"github.com/nodeforge/fabric/internal/model"
)

// TrustRoot is the CA material a pool entry is built against. Fingerprint
// identifies the trusted CA so Get can detect rotation and discard clients
// built against a root that is no longer trusted.
type TrustRoot struct {
	CACert      *x509.Certificate
	Fingerprint string
	LeafCert    tls.Certificate
}

// Peer is a pooled client for one peer node_id.
type Peer struct {
	BaseURL string
	Client  *http.Client

	fingerprint string
	lastUsed    time.Time
}

// Pool is the ConnectionPool. Keyed by node_id; address changes just
// rebuild the base URL without discarding the TLS client, unless the trust
// root's fingerprint also changed.
type Pool struct {
	mu    sync.Mutex
	peers map[string]*Peer

	trust func() TrustRoot

	maxTotal       int
	maxIdlePerPeer int
	idleTimeout    time.Duration
	requestTimeout time.Duration
}

// Options configures pool-wide caps.
type Options struct {
	MaxTotalConnections int
	MaxIdlePerPeer      int
	IdleTimeout         time.Duration
	RequestTimeout      time.Duration
}

// New builds a Pool. trust is called on every cache miss / fingerprint
// mismatch to fetch the currently-trusted CA and local leaf certificate.
func New(trust func() TrustRoot, opts Options) *Pool {
	if opts.MaxTotalConnections == 0 {
		opts.MaxTotalConnections = 64
	}
	if opts.MaxIdlePerPeer == 0 {
		opts.MaxIdlePerPeer = 2
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Pool{
		peers:          make(map[string]*Peer),
		trust:          trust,
		maxTotal:       opts.MaxTotalConnections,
		maxIdlePerPeer: opts.MaxIdlePerPeer,
		idleTimeout:    opts.IdleTimeout,
		requestTimeout: opts.RequestTimeout,
	}
}

// Get returns the pooled client for nodeID's current NodeInfo, rebuilding
// it if absent or if the trusted CA fingerprint has rotated since it was
// built.
func (p *Pool) Get(nodeID string, info model.NodeInfo) (*Peer, error) {
	root := p.trust()

	p.mu.Lock()
	defer p.mu.Unlock()

	if peer, ok := p.peers[nodeID]; ok && peer.fingerprint == root.Fingerprint {
		peer.lastUsed = time.Now()
		peer.BaseURL = baseURL(info)
		return peer, nil
	}

	peer, err := p.build(info, root)
	if err != nil {
		return nil, err
	}
	p.peers[nodeID] = peer
	p.evictLocked()
	metricsx.PooledPeers.Set(float64(len(p.peers)))
	return peer, nil
}

func baseURL(info model.NodeInfo) string {
	return fmt.Sprintf("https://%s:%d", info.Address, info.Port)
}

func (p *Pool) build(info model.NodeInfo, root TrustRoot) (*Peer, error) {
	pool := x509.NewCertPool()
	if root.CACert != nil {
		pool.AddCert(root.CACert)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{root.LeafCert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxIdleConnsPerHost: p.maxIdlePerPeer,
		IdleConnTimeout:     p.idleTimeout,
		DialContext: (&net.Dialer{
			Timeout: p.requestTimeout,
		}).DialContext,
	}

	return &Peer{
		BaseURL:     baseURL(info),
		Client:      &http.Client{Transport: transport, Timeout: p.requestTimeout},
		fingerprint: root.Fingerprint,
		lastUsed:    time.Now(),
	}, nil
}

// evictLocked closes and drops least-recently-used peers once the pool
// exceeds maxTotal. Caller must hold p.mu.
func (p *Pool) evictLocked() {
	if len(p.peers) <= p.maxTotal {
		return
	}
	type entry struct {
		id   string
		used time.Time
	}
	entries := make([]entry, 0, len(p.peers))
	for id, peer := range p.peers {
		entries = append(entries, entry{id, peer.lastUsed})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].used.Before(entries[j].used) })

	toEvict := len(p.peers) - p.maxTotal
	for i := 0; i < toEvict; i++ {
		id := entries[i].id
		if peer, ok := p.peers[id]; ok {
			peer.Client.CloseIdleConnections()
		}
		delete(p.peers, id)
		log.WithComponent("connpool").Debug().Str("peer", id).Msg("evicted least-recently-used client")
	}
}

// Close tears down every pooled client's idle connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, peer := range p.peers {
		peer.Client.CloseIdleConnections()
	}
	p.peers = make(map[string]*Peer)
}
