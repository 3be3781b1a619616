// Package security implements the internal certificate authority and the
// per-node provisioning state machine that bootstraps mTLS from a cold
// start (no external CA, no manual cert distribution).
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/metricsx"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/securestore"
)

const (
	caValidity      = 10 * 365 * 24 * time.Hour
	leafValidity    = 365 * 24 * time.Hour
	caKeySize       = 4096
	leafKeySize     = 2048
	caCertName      = "ca.crt"
	caKeyName       = "ca.key"
	organizationTag = "nodeforge Fabric"
)

// Authority is the coordinator-side CA: it holds the root key pair in the
// secure store and signs leaf certificates on request.
type Authority struct {
	mu    sync.RWMutex
	store securestore.Store
	cert  *x509.Certificate
	key   *rsa.PrivateKey
}

// NewAuthority builds an uninitialized Authority; call LoadOrCreate before
// issuing certificates.
func NewAuthority(store securestore.Store) *Authority {
	return &Authority{store: store}
}

// LoadOrCreate loads the CA from SecureStore, or generates a fresh
// self-signed root (10-year validity) and persists it if absent.
func (a *Authority) LoadOrCreate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	certPEM, err := a.store.Read(securestore.NamespaceCert, caCertName)
	if err == nil {
		keyPEM, err := a.store.Read(securestore.NamespaceCert, caKeyName)
		if err != nil {
			return fmt.Errorf("security: ca cert present without key: %w", err)
		}
		cert, key, err := parseCertKeyPEM(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("security: parse stored ca: %w", err)
		}
		a.cert = cert
		a.key = key
		return nil
	}

	cert, key, err := generateCA()
	if err != nil {
		return fmt.Errorf("security: generate ca: %w", err)
	}
	a.cert = cert
	a.key = key

	certPEMOut := encodeCertPEM(cert.Raw)
	keyPEMOut := encodeRSAKeyPEM(key)
	if err := a.store.Write(securestore.NamespaceCert, caCertName, certPEMOut); err != nil {
		return fmt.Errorf("security: persist ca cert: %w", err)
	}
	if err := a.store.Write(securestore.NamespaceCert, caKeyName, keyPEMOut); err != nil {
		return fmt.Errorf("security: persist ca key: %w", err)
	}
	return a.store.Flush()
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organizationTag},
			CommonName:   "fabric internal CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}
	return cert, key, nil
}

// Fingerprint is the SHA-256 of the CA certificate's DER bytes, hex
// encoded. CertificateRecord.IssuerFingerprint must match this.
func (a *Authority) Fingerprint() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cert == nil {
		return ""
	}
	return fingerprintOf(a.cert.Raw)
}

// CertPEM returns the CA certificate in PEM form, served plainly at
// GET /internal/ca-cert. The certificate is not secret, only the key is.
func (a *Authority) CertPEM() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cert == nil {
		return nil
	}
	return encodeCertPEM(a.cert.Raw)
}

// IssueLeaf builds and signs a leaf certificate for requester nodeID:
// CN=nodeID, deduplicated SAN ips/dns, 365-day validity, BasicConstraints
// CA=false, KeyUsage
// digitalSignature+keyEncipherment, ExtKeyUsage serverAuth+clientAuth.
func (a *Authority) IssueLeaf(nodeID string, ips []net.IP, dnsNames []string) (model.CertificateRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.cert == nil || a.key == nil {
		return model.CertificateRecord{}, errkind.New(errkind.CertProvisioningFail, "CA not initialized")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return model.CertificateRecord{}, errkind.Wrap(errkind.CertProvisioningFail, "generate leaf key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return model.CertificateRecord{}, errkind.Wrap(errkind.CertProvisioningFail, "generate serial", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(leafValidity)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organizationTag},
			CommonName:   nodeID,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		IPAddresses:           dedupIPs(ips),
		DNSNames:              dedupStrings(dnsNames),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &leafKey.PublicKey, a.key)
	if err != nil {
		return model.CertificateRecord{}, errkind.Wrap(errkind.CertProvisioningFail, "sign leaf certificate", err)
	}

	sanIPs := make([]string, 0, len(template.IPAddresses))
	for _, ip := range template.IPAddresses {
		sanIPs = append(sanIPs, ip.String())
	}
	metricsx.CertIssuedTotal.Inc()

	return model.CertificateRecord{
		CertPEM:           encodeCertPEM(der),
		KeyPEM:            encodeRSAKeyPEM(leafKey),
		NotBefore:         notBefore,
		NotAfter:          notAfter,
		SANIPs:            sanIPs,
		SANDNS:            template.DNSNames,
		IssuerFingerprint: fingerprintOf(a.cert.Raw),
	}, nil
}

func dedupIPs(ips []net.IP) []net.IP {
	seen := make(map[string]bool)
	var out []net.IP
	for _, ip := range ips {
		key := ip.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func dedupStrings(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func fingerprintOf(der []byte) string {
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%x", sum)
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeRSAKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func parseCertKeyPEM(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("decode cert PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("decode key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse key: %w", err)
	}
	return cert, key, nil
}

// RecordToTLSCertificate converts a CertificateRecord into a tls.Certificate
// ready for use in a tls.Config, for ConnectionPool and the TLS listener.
func RecordToTLSCertificate(rec model.CertificateRecord) (tls.Certificate, error) {
	return tls.X509KeyPair(rec.CertPEM, rec.KeyPEM)
}
