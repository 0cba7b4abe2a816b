// Package certauthority implements the private root certificate authority
// used to mint per-host leaf certificates for TLS interception.
package certauthority

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// leafValidity is how long a minted host certificate remains valid. The
// original source minted short-lived (1 year) leaf certs; this
// implementation uses the same 10-year window as the root so a long-running
// developer workstation never needs to re-mint a cert mid-project.
const leafValidity = 10 * 365 * 24 * time.Hour

// rootValidity is the root CA's own validity window.
const rootValidity = 10 * 365 * 24 * time.Hour

// clockSkew backdates NotBefore so certs are valid immediately even when the
// client's clock is slightly behind the server's.
const clockSkew = 24 * time.Hour

// CertifiedKey is the per-host certificate/key pair minted by the CA. The
// same struct backs both the TLS resolver (§4.4/§4.6) and the
// /.watchtower/cert/<host> download endpoint (§6), so the two paths must
// always hand out bit-identical material.
type CertifiedKey struct {
	Host        string
	LeafCertDER []byte
	LeafKeyDER  []byte
	LeafPEM     []byte // cert + nothing else; the CA cert is shipped separately

	tlsCert *tls.Certificate // cached parsed form, built once
}

// CA is a private certificate authority that mints and caches per-host leaf
// certificates signed by a root key generated (or loaded) on first use.
type CA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte

	mu    sync.RWMutex
	cache map[string]*CertifiedKey
}

// New creates or loads a CA, persisting root material under dir/ca/
// (root.crt, root.key per spec.md §6). A missing directory is created.
func New(dir string) (*CA, error) {
	caDir := filepath.Join(dir, "ca")
	certPath := filepath.Join(caDir, "root.crt")
	keyPath := filepath.Join(caDir, "root.key")

	if certPEM, err := os.ReadFile(certPath); err == nil {
		if keyPEM, err := os.ReadFile(keyPath); err == nil {
			return load(certPEM, keyPEM)
		}
	}

	ca, err := generate()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(caDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}
	if err := os.WriteFile(certPath, ca.certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing root certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, ca.keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing root key: %w", err)
	}

	return ca, nil
}

func load(certPEM, keyPEM []byte) (*CA, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("certauthority: failed to decode root certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("certauthority: failed to decode root key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root key: %w", err)
	}

	return &CA{
		cert:    cert,
		key:     key,
		certPEM: certPEM,
		keyPEM:  keyPEM,
		cache:   make(map[string]*CertifiedKey),
	}, nil
}

// generate creates a brand-new, unconstrained root CA.
func generate() (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling root public key: %w", err)
	}
	subjectKeyID := sha1.Sum(pubKeyBytes)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Watchtower"},
			CommonName:   "Watchtower CA",
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:],
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing generated root certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &CA{
		cert:    cert,
		key:     key,
		certPEM: certPEM,
		keyPEM:  keyPEM,
		cache:   make(map[string]*CertifiedKey),
	}, nil
}

// RootPEM returns the root CA certificate in PEM form, for
// /.watchtower/cert/ca.crt and OS trust-store installation.
func (ca *CA) RootPEM() []byte {
	return ca.certPEM
}

// GetOrCreate returns the CertifiedKey for host, generating and caching one
// on first request. Minting happens under the write lock after a re-check
// of the cache, so concurrent first callers for the same host mint once
// and all receive the same entry.
func (ca *CA) GetOrCreate(host string) (*CertifiedKey, error) {
	ca.mu.RLock()
	if ck, ok := ca.cache[host]; ok {
		ca.mu.RUnlock()
		return ck, nil
	}
	ca.mu.RUnlock()

	ca.mu.Lock()
	defer ca.mu.Unlock()

	// Re-check: another writer may have populated this host while we waited
	// for the write lock.
	if ck, ok := ca.cache[host]; ok {
		return ck, nil
	}

	ck, err := ca.mint(host)
	if err != nil {
		return nil, err
	}
	ca.cache[host] = ck
	return ck, nil
}

// mint generates a fresh leaf certificate for host signed by the root.
func (ca *CA) mint(host string) (*CertifiedKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Watchtower"},
			CommonName:   host,
		},
		NotBefore:   now.Add(-clockSkew),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("creating leaf certificate: %w", err)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(key)
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return &CertifiedKey{
		Host:        host,
		LeafCertDER: certDER,
		LeafKeyDER:  keyDER,
		LeafPEM:     leafPEM,
		tlsCert: &tls.Certificate{
			// Include the root in the chain: some TLS stacks require the
			// issuer cert to be present even when it's also trusted via a
			// custom CA bundle.
			Certificate: [][]byte{certDER, ca.cert.Raw},
			PrivateKey:  key,
		},
	}, nil
}

// TLSCertificate returns a *tls.Certificate suitable for
// tls.Config.GetCertificate, minting one if necessary.
func (ca *CA) TLSCertificate(host string) (*tls.Certificate, error) {
	ck, err := ca.GetOrCreate(host)
	if err != nil {
		return nil, err
	}
	return ck.tlsCert, nil
}
