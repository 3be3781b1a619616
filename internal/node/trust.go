package node

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nodeforge/fabric/internal/connpool"
	"github.com/nodeforge/fabric/internal/log"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/securestore"
	"github.com/nodeforge/fabric/internal/security"
)

const caCertStoreName = "ca.crt"

// startTrust establishes the CA trust root. The coordinator loads or
// creates its own authority; a worker fetches the CA certificate from a
// bootstrap coordinator over plain HTTP, falling back to the copy cached
// in the store.
func (n *Node) startTrust(ctx context.Context) error {
	if n.isCoordinator() {
		n.authority = security.NewAuthority(n.store)
		if err := n.authority.LoadOrCreate(); err != nil {
			return err
		}
		cert, err := parseCertPEM(n.authority.CertPEM())
		if err != nil {
			return fmt.Errorf("node: parse own ca cert: %w", err)
		}
		n.setTrust(cert)
		return nil
	}
	return n.fetchTrust(ctx)
}

func (n *Node) setTrust(cert *x509.Certificate) {
	sum := sha256.Sum256(cert.Raw)
	n.trustMu.Lock()
	n.caCert = cert
	n.caFingerprint = fmt.Sprintf("%x", sum)
	n.trustMu.Unlock()
}

// fetchTrust obtains the CA certificate from the bootstrap coordinators,
// retrying with backoff until one answers or ctx is cancelled. A
// successful fetch also seeds the directory with the coordinator's
// NodeInfo so gossip has a first target.
func (n *Node) fetchTrust(ctx context.Context) error {
	logger := log.WithComponent("node")
	client := &http.Client{Timeout: 10 * time.Second}

	backoff := time.Second
	for {
		for _, addr := range n.cfg.BootstrapCoordinators {
			pemBytes, err := fetchCACert(ctx, client, addr)
			if err != nil {
				logger.Debug().Err(err).Str("coordinator", addr).Msg("ca-cert fetch failed")
				continue
			}
			cert, err := parseCertPEM(pemBytes)
			if err != nil {
				logger.Warn().Err(err).Str("coordinator", addr).Msg("coordinator returned unparseable ca cert")
				continue
			}
			n.setTrust(cert)
			if err := n.store.Write(securestore.NamespaceCert, caCertStoreName, pemBytes); err != nil {
				logger.Warn().Err(err).Msg("failed to cache ca cert")
			}
			n.seedCoordinator(ctx, client, addr)
			return nil
		}

		// Every bootstrap address failed; a cached CA from an earlier run
		// still lets the node come up and serve while the coordinator is
		// away.
		if cached, err := n.store.Read(securestore.NamespaceCert, caCertStoreName); err == nil {
			if cert, err := parseCertPEM(cached); err == nil {
				logger.Warn().Msg("no coordinator reachable, trusting cached ca cert")
				n.setTrust(cert)
				return nil
			}
		}

		logger.Warn().Dur("backoff", backoff).Msg("no coordinator reachable and no cached ca cert, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func fetchCACert(ctx context.Context, client *http.Client, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/internal/ca-cert", addr), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ca-cert from %s: status %d", addr, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// seedCoordinator asks the bootstrap address for the coordinator's own
// NodeInfo and upserts it, giving gossip a first target before any frame
// arrives.
func (n *Node) seedCoordinator(ctx context.Context, client *http.Client, addr string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/internal/node-info", addr), nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		log.WithComponent("node").Debug().Err(err).Str("coordinator", addr).Msg("node-info fetch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var info model.NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return
	}
	info.LastSeen = time.Now()
	info.Status = model.StatusAlive
	n.dir.Upsert(info)
}

// handleNodeInfo serves the local node's own NodeInfo on the bootstrap
// listener so joining workers can seed their directory.
func (n *Node) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	info, ok := n.dir.Lookup(n.cfg.NodeID)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// trustedFingerprint reports the fingerprint of the currently-trusted CA.
func (n *Node) trustedFingerprint() string {
	n.trustMu.RLock()
	defer n.trustMu.RUnlock()
	return n.caFingerprint
}

// trustRoot packages the current CA and leaf for the connection pool.
func (n *Node) trustRoot() connpool.TrustRoot {
	n.trustMu.RLock()
	defer n.trustMu.RUnlock()
	return connpool.TrustRoot{
		CACert:      n.caCert,
		Fingerprint: n.caFingerprint,
		LeafCert:    n.leafTLS,
	}
}

func parseCertPEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
