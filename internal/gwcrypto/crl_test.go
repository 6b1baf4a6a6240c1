package gwcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkixNameCA() pkix.Name {
	return pkix.Name{CommonName: "test-ca"}
}

func writeCRL(t *testing.T, path string, serials []*big.Int) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	entries := make([]x509.RevocationListEntry, len(serials))
	for i, s := range serials {
		entries[i] = x509.RevocationListEntry{SerialNumber: s, RevocationTime: time.Now()}
	}

	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now(),
		NextUpdate:                time.Now().Add(time.Hour),
		RevokedCertificateEntries: entries,
	}

	issuer := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkixNameCA(),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageCRLSign,
		SubjectKeyId: []byte{1, 2, 3, 4},
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer, key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, der, 0o644))
}

func TestCheckerRefreshLoadsRevokedSerials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crl.der")
	writeCRL(t, path, []*big.Int{big.NewInt(42), big.NewInt(43)})

	c := NewChecker()
	require.NoError(t, c.Refresh(path))

	assert.True(t, c.IsRevoked(big.NewInt(42)))
	assert.True(t, c.IsRevoked(big.NewInt(43)))
	assert.False(t, c.IsRevoked(big.NewInt(99)))
}

func TestCheckerRefreshReplacesSetOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crl.der")
	writeCRL(t, path, []*big.Int{big.NewInt(1)})

	c := NewChecker()
	require.NoError(t, c.Refresh(path))
	assert.True(t, c.IsRevoked(big.NewInt(1)))

	writeCRL(t, path, []*big.Int{big.NewInt(2)})
	require.NoError(t, c.Refresh(path))
	assert.False(t, c.IsRevoked(big.NewInt(1)))
	assert.True(t, c.IsRevoked(big.NewInt(2)))
}
