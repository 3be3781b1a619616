// Package node assembles the fabric components for one process — secure
// store, trust root, leaf certificate, connection pool, gossip, dispatcher
// — and drives them through the lifecycle orchestrator in dependency
// order.
package node

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/addrselect"
	"github.com/nodeforge/fabric/internal/bootstraptoken"
	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/connpool"
	"github.com/nodeforge/fabric/internal/directory"
	"github.com/nodeforge/fabric/internal/gossip"
	"github.com/nodeforge/fabric/internal/lifecycle"
	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/metricsx"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/ratelimit"
	"github.com/nodeforge/fabric/internal/registry"
	"github.com/nodeforge/fabric/internal/rpc"
	"github.com/nodeforge/fabric/internal/securestore"
	"github.com/nodeforge/fabric/internal/security"
)

const (
	addrProbeTimeout = 2 * time.Second
	renewalInterval  = 24 * time.Hour
	limiterIdleAfter = 10 * time.Minute
)

// Node is one fabric process: a coordinator or a worker.
type Node struct {
	cfg      config.Config
	hostname string

	store       securestore.Store
	dir         *directory.Directory
	reg         *registry.Registry
	limiter     *ratelimit.Limiter
	pool        *connpool.Pool
	gossiper    *gossip.Gossiper
	dispatcher  *rpc.Dispatcher
	proxy       *rpc.Proxy
	authority   *security.Authority
	provisioner *security.Provisioner
	tokens      *bootstraptoken.Manager
	collector   *metricsx.Collector
	orch        *lifecycle.Orchestrator

	trustMu       sync.RWMutex
	caCert        *x509.Certificate
	caFingerprint string
	leaf          model.CertificateRecord
	leafTLS       tls.Certificate

	selfMu      sync.Mutex
	selfVersion uint64
	selfAddr    net.IP

	tlsServer       *http.Server
	bootstrapServer *http.Server

	maintStop chan struct{}
	maintDone chan struct{}
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a Node from cfg. The heavy lifting (opening the store,
// obtaining certificates, binding listeners) happens in Run, sequenced by
// the lifecycle orchestrator.
func New(cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	n := &Node{
		cfg:      cfg,
		hostname: hostname,
		dir:      directory.New(cfg.NodeID, cfg),
		reg:      registry.New(),
		limiter:  ratelimit.New(cfg),
		tokens:   bootstraptoken.NewManager(),

		maintStop: make(chan struct{}),
		maintDone: make(chan struct{}),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	n.collector = metricsx.NewCollector(n.dir)

	if err := n.registerBuiltins(); err != nil {
		return nil, err
	}

	orch, err := lifecycle.New(cfg.ShutdownGrace(), n.components()...)
	if err != nil {
		return nil, err
	}
	n.orch = orch
	return n, nil
}

// Proxy returns the node's service proxy. Valid once Run has brought the
// dispatcher up.
func (n *Node) Proxy() *rpc.Proxy { return n.proxy }

// Registry returns the method registry for service loaders to populate
// before Run is called.
func (n *Node) Registry() *registry.Registry { return n.reg }

// Tokens returns the coordinator's bootstrap-token manager.
func (n *Node) Tokens() *bootstraptoken.Manager { return n.tokens }

// Run starts every component in dependency order, then blocks until a
// shutdown signal (or ctx cancellation) and tears everything down in
// reverse.
func (n *Node) Run(ctx context.Context) error {
	if err := n.orch.Start(ctx); err != nil {
		return err
	}
	log.WithComponent("node").Info().
		Str("node_id", n.cfg.NodeID).
		Str("role", string(n.cfg.Role)).
		Msg("node running")
	n.orch.WaitForSignal(ctx)
	return nil
}

func (n *Node) isCoordinator() bool { return n.cfg.Role == model.RoleCoordinator }

func (n *Node) components() []lifecycle.Component {
	comps := []lifecycle.Component{
		{
			Name:  "securestore",
			Start: n.startStore,
			Stop:  n.stopStore,
		},
		{
			Name:      "directory",
			DependsOn: []string{"securestore"},
			Start:     n.startDirectory,
			Stop:      n.stopDirectory,
		},
		{
			Name:      "trust",
			DependsOn: []string{"securestore", "directory"},
			Start:     n.startTrust,
			Stop:      func(context.Context) error { return nil },
		},
		{
			Name:      "leafcert",
			DependsOn: []string{"trust"},
			Start:     n.startLeaf,
			Stop:      func(context.Context) error { return nil },
		},
		{
			Name:      "connpool",
			DependsOn: []string{"leafcert"},
			Start:     n.startPool,
			Stop:      n.stopPool,
		},
		{
			Name:      "gossip",
			DependsOn: []string{"connpool", "directory"},
			Start:     n.startGossip,
			Stop:      n.stopGossip,
		},
		{
			Name:      "dispatcher",
			DependsOn: []string{"gossip", "leafcert"},
			Start:     n.startDispatcher,
			Stop:      n.stopDispatcher,
		},
		{
			Name:      "maintenance",
			DependsOn: []string{"dispatcher"},
			Start:     n.startMaintenance,
			Stop:      n.stopMaintenance,
		},
	}
	if n.isCoordinator() {
		comps = append(comps, lifecycle.Component{
			Name:      "bootstraphttp",
			DependsOn: []string{"leafcert"},
			Start:     n.startBootstrapHTTP,
			Stop:      n.stopBootstrapHTTP,
		})
	}
	return comps
}

func (n *Node) startStore(ctx context.Context) error {
	if err := os.MkdirAll(n.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("node: create data dir: %w", err)
	}
	bs, err := securestore.Open(n.cfg.DataDir)
	if err != nil {
		return err
	}
	if n.cfg.StorePassphrase != "" {
		n.store = securestore.NewEnvelope(bs, n.cfg.StorePassphrase, securestore.NamespaceCert)
	} else {
		n.store = bs
	}

	v, err := n.loadSelfVersion()
	if err != nil {
		return err
	}
	n.selfMu.Lock()
	n.selfVersion = v
	n.selfMu.Unlock()
	return nil
}

func (n *Node) stopStore(context.Context) error {
	if n.store == nil {
		return nil
	}
	if err := n.store.Flush(); err != nil {
		log.WithComponent("node").Warn().Err(err).Msg("store flush at shutdown failed")
	}
	return n.store.Close()
}

func (n *Node) startDirectory(context.Context) error {
	if err := n.loadSnapshot(); err != nil {
		log.WithComponent("node").Warn().Err(err).Msg("gossip snapshot load failed, starting empty")
	}
	return nil
}

func (n *Node) stopDirectory(context.Context) error {
	return n.saveSnapshot()
}

func (n *Node) startLeaf(ctx context.Context) error {
	addr, candidates := n.chooseAddress(ctx)
	if len(candidates) == 0 {
		candidates = []net.IP{addr}
	}
	n.selfMu.Lock()
	n.selfAddr = addr
	n.selfMu.Unlock()

	n.provisioner = security.NewProvisioner(n.cfg.NodeID, n.cfg, n.store, n.cfg.BootstrapCoordinators, n.trustedFingerprint)
	if n.cfg.BootstrapToken != "" {
		n.provisioner = n.provisioner.WithBootstrapToken(n.cfg.BootstrapToken)
	}

	rec, err := n.ensureLeaf(ctx, candidates)
	if err != nil {
		return err
	}
	return n.installLeaf(rec)
}

// ensureLeaf obtains a valid leaf certificate: the coordinator signs its
// own with the local authority, a worker runs the full challenge flow
// against its bootstrap coordinators.
func (n *Node) ensureLeaf(ctx context.Context, ips []net.IP) (model.CertificateRecord, error) {
	if n.isCoordinator() {
		rec, needsRenewal := n.provisioner.Check(ips, n.hostname)
		if !needsRenewal {
			return rec, nil
		}
		dns := []string{}
		if n.hostname != "" {
			dns = append(dns, n.hostname)
		}
		rec, err := n.authority.IssueLeaf(n.cfg.NodeID, ips, dns)
		if err != nil {
			return model.CertificateRecord{}, err
		}
		if err := n.provisioner.Install(rec); err != nil {
			return model.CertificateRecord{}, err
		}
		return rec, nil
	}
	return n.provisioner.Ensure(ctx, ips, n.hostname)
}

func (n *Node) installLeaf(rec model.CertificateRecord) error {
	cert, err := security.RecordToTLSCertificate(rec)
	if err != nil {
		return fmt.Errorf("node: load leaf key pair: %w", err)
	}
	n.trustMu.Lock()
	n.leaf = rec
	n.leafTLS = cert
	n.trustMu.Unlock()
	metricsx.CertExpirySeconds.Set(time.Until(rec.NotAfter).Seconds())

	n.bumpSelf()
	return nil
}

// chooseAddress picks the advertised IP for self. Falls back to
// bind_address, then loopback, when no interface qualifies.
func (n *Node) chooseAddress(ctx context.Context) (net.IP, []net.IP) {
	candidates, err := addrselect.LocalCandidates()
	if err != nil || len(candidates) == 0 {
		return n.fallbackAddress(), nil
	}
	if len(n.cfg.BootstrapCoordinators) == 0 {
		return candidates[0], candidates
	}
	chosen, err := addrselect.Select(ctx, nil, candidates, n.cfg.BootstrapCoordinators, addrProbeTimeout)
	if err != nil {
		return n.fallbackAddress(), candidates
	}
	return chosen, candidates
}

func (n *Node) fallbackAddress() net.IP {
	if ip := net.ParseIP(n.cfg.BindAddr); ip != nil && !ip.IsUnspecified() {
		return ip
	}
	return net.IPv4(127, 0, 0, 1)
}

func (n *Node) startPool(context.Context) error {
	n.pool = connpool.New(n.trustRoot, connpool.Options{
		RequestTimeout: n.cfg.OutboundDeadline(),
	})
	return nil
}

func (n *Node) stopPool(context.Context) error {
	n.pool.Close()
	return nil
}

func (n *Node) startGossip(ctx context.Context) error {
	n.gossiper = gossip.New(n.cfg.NodeID, n.dir, n.pool, n.cfg)
	n.gossiper.Start(ctx)
	n.collector.Start()

	go n.sweepLoop()

	// Announce ourselves so the coordinator learns this node before the
	// first full tick.
	if !n.isCoordinator() {
		n.announce(ctx)
	}
	return nil
}

func (n *Node) announce(ctx context.Context) {
	for _, id := range n.dir.LookupByRole(model.RoleCoordinator) {
		info, ok := n.dir.Lookup(id)
		if !ok {
			continue
		}
		peer, err := n.pool.Get(id, info)
		if err != nil {
			continue
		}
		if err := n.gossiper.SendDigest(ctx, peer.Client, peer.BaseURL); err != nil {
			log.WithComponent("node").Debug().Err(err).Str("coordinator", id).Msg("join announce failed")
			continue
		}
		return
	}
}

func (n *Node) sweepLoop() {
	defer close(n.sweepDone)
	ticker := time.NewTicker(n.cfg.GossipIntervalMin())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.dir.Sweep(time.Now())
		case <-n.sweepStop:
			return
		}
	}
}

func (n *Node) stopGossip(context.Context) error {
	close(n.sweepStop)
	<-n.sweepDone
	n.collector.Stop()
	n.gossiper.Stop()
	return nil
}

func (n *Node) startDispatcher(ctx context.Context) error {
	var auth rpc.Authenticator
	if n.cfg.BearerAuth != "" {
		auth = rpc.BearerAuth{Token: n.cfg.BearerAuth}
	} else {
		auth = rpc.MTLSAuth{}
	}

	n.dispatcher = rpc.NewDispatcher(n.reg, n.limiter, auth)
	mux := n.dispatcher.Mux()
	mux.HandleFunc("/internal/gossip", n.gossiper.Handler())
	mux.Handle("/metrics", metricsx.Handler())
	if n.isCoordinator() {
		n.coordinatorHandlers().Register(mux)
	}

	n.reg.Freeze()
	n.proxy = rpc.NewProxy(n.cfg.NodeID, n.dir, n.dispatcher, n.pool)

	clientCAs := x509.NewCertPool()
	n.trustMu.RLock()
	if n.caCert != nil {
		clientCAs.AddCert(n.caCert)
	}
	n.trustMu.RUnlock()

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientCAs:  clientCAs,
		ClientAuth: tls.VerifyClientCertIfGiven,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			n.trustMu.RLock()
			defer n.trustMu.RUnlock()
			cert := n.leafTLS
			return &cert, nil
		},
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.BindAddr, n.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", addr, err)
	}

	n.tlsServer = &http.Server{Handler: n.dispatcher.Handler()}
	go func() {
		if err := n.tlsServer.Serve(tls.NewListener(ln, tlsCfg)); err != nil && err != http.ErrServerClosed {
			log.WithComponent("node").Error().Err(err).Msg("tls server exited")
		}
	}()
	log.WithComponent("node").Info().Str("addr", addr).Msg("tls listener up")
	return nil
}

func (n *Node) stopDispatcher(ctx context.Context) error {
	if n.tlsServer == nil {
		return nil
	}
	return n.tlsServer.Shutdown(ctx)
}

func (n *Node) coordinatorHandlers() *security.CoordinatorHandlers {
	var tokens security.TokenValidator
	if n.cfg.RequireBootstrapToken {
		tokens = n.tokens
	}
	return security.NewCoordinatorHandlers(n.authority, true, n.cfg.CertValidatorHTTPPort, tokens)
}

func (n *Node) startBootstrapHTTP(context.Context) error {
	mux := http.NewServeMux()
	n.coordinatorHandlers().Register(mux)
	mux.HandleFunc("/internal/node-info", n.handleNodeInfo)

	addr := fmt.Sprintf("%s:%d", n.cfg.BindAddr, n.cfg.BootstrapHTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("node: bootstrap listen on %s: %w", addr, err)
	}
	n.bootstrapServer = &http.Server{Handler: mux}
	go func() {
		if err := n.bootstrapServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithComponent("node").Error().Err(err).Msg("bootstrap server exited")
		}
	}()
	log.WithComponent("node").Info().Str("addr", addr).Msg("bootstrap listener up")
	return nil
}

func (n *Node) stopBootstrapHTTP(ctx context.Context) error {
	if n.bootstrapServer == nil {
		return nil
	}
	return n.bootstrapServer.Shutdown(ctx)
}

// startMaintenance runs the long-timer chores: the daily cert CHECK and
// address re-selection, plus rate-limit bucket sweeping.
func (n *Node) startMaintenance(ctx context.Context) error {
	go n.maintenanceLoop(ctx)
	return nil
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	defer close(n.maintDone)
	renew := time.NewTicker(renewalInterval)
	sweep := time.NewTicker(time.Hour)
	defer renew.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-renew.C:
			n.renewalCheck(ctx)
		case <-sweep.C:
			n.limiter.Sweep(limiterIdleAfter)
		case <-n.maintStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// renewalCheck re-runs address selection and the cert CHECK step. A
// changed address bumps the self version; a stale cert re-enters the
// provisioning flow.
func (n *Node) renewalCheck(ctx context.Context) {
	logger := log.WithComponent("node")

	addr, candidates := n.chooseAddress(ctx)
	if len(candidates) == 0 {
		candidates = []net.IP{addr}
	}
	n.selfMu.Lock()
	changed := !addr.Equal(n.selfAddr)
	if changed {
		n.selfAddr = addr
	}
	n.selfMu.Unlock()
	if changed {
		logger.Info().Str("address", addr.String()).Msg("advertised address changed")
		n.bumpSelf()
	}

	if _, needsRenewal := n.provisioner.Check(candidates, n.hostname); needsRenewal {
		rec, err := n.ensureLeaf(ctx, candidates)
		if err != nil {
			logger.Warn().Err(err).Msg("certificate renewal failed, will retry next cycle")
			return
		}
		if err := n.installLeaf(rec); err != nil {
			logger.Error().Err(err).Msg("certificate install failed")
		}
	}

	n.trustMu.RLock()
	expiry := n.leaf.NotAfter
	n.trustMu.RUnlock()
	metricsx.CertExpirySeconds.Set(time.Until(expiry).Seconds())
}

func (n *Node) stopMaintenance(context.Context) error {
	close(n.maintStop)
	<-n.maintDone
	return nil
}

// bumpSelf advances the self NodeInfo version, publishes the new record to
// the directory, and persists the version counter.
func (n *Node) bumpSelf() {
	n.selfMu.Lock()
	n.selfVersion++
	version := n.selfVersion
	addr := n.selfAddr
	n.selfMu.Unlock()

	services := make(map[string]model.ServiceSummary)
	for svc, methods := range n.reg.Summaries() {
		services[svc] = model.ServiceSummary{Version: 1, Methods: methods, Health: "ok"}
	}

	addrStr := ""
	if addr != nil {
		addrStr = addr.String()
	}
	n.dir.PutSelf(model.NodeInfo{
		NodeID:   n.cfg.NodeID,
		Address:  addrStr,
		Port:     n.cfg.ListenPort,
		Role:     n.cfg.Role,
		LastSeen: time.Now(),
		Status:   model.StatusAlive,
		Services: services,
		Version:  version,
	})

	if err := n.saveSelfVersion(version); err != nil {
		log.WithComponent("node").Warn().Err(err).Msg("failed to persist self version")
	}
}
