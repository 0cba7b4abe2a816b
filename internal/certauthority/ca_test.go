package certauthority

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	ca, err := New(dir)
	require.NoError(t, err)
	require.NotEmpty(t, ca.RootPEM())

	block, _ := pem.Decode(ca.RootPEM())
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "Watchtower CA", cert.Subject.CommonName)
	assert.True(t, cert.IsCA)
	assert.WithinDuration(t, time.Now().Add(rootValidity), cert.NotAfter, time.Hour)

	// Reloading from the same directory must yield identical root material.
	ca2, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, ca.RootPEM(), ca2.RootPEM())
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	ca, err := New(t.TempDir())
	require.NoError(t, err)

	ck1, err := ca.GetOrCreate("example.com")
	require.NoError(t, err)
	ck2, err := ca.GetOrCreate("example.com")
	require.NoError(t, err)

	assert.Same(t, ck1, ck2, "GetOrCreate must be idempotent within a run")
}

func TestGetOrCreate_SANAndValidity(t *testing.T) {
	ca, err := New(t.TempDir())
	require.NoError(t, err)

	ck, err := ca.GetOrCreate("api.example.com")
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(ck.LeafCertDER)
	require.NoError(t, err)

	assert.Contains(t, cert.DNSNames, "api.example.com")
	now := time.Now()
	assert.True(t, !now.Before(cert.NotBefore), "now must be on/after NotBefore")
	assert.True(t, !now.After(cert.NotAfter), "now must be on/before NotAfter")
}

func TestGetOrCreate_DifferentHostsDifferentCerts(t *testing.T) {
	ca, err := New(t.TempDir())
	require.NoError(t, err)

	a, err := ca.GetOrCreate("a.example.com")
	require.NoError(t, err)
	b, err := ca.GetOrCreate("b.example.com")
	require.NoError(t, err)

	assert.NotEqual(t, a.LeafCertDER, b.LeafCertDER)
}

func TestTLSCertificate_MatchesCertifiedKeyDER(t *testing.T) {
	ca, err := New(t.TempDir())
	require.NoError(t, err)

	ck, err := ca.GetOrCreate("secure.example.com")
	require.NoError(t, err)

	tlsCert, err := ca.TLSCertificate("secure.example.com")
	require.NoError(t, err)

	require.Len(t, tlsCert.Certificate, 2)
	assert.Equal(t, ck.LeafCertDER, tlsCert.Certificate[0],
		"TLS resolver and /cert/<host> endpoint must serve bit-identical material")
}
