package gwcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+"-cert.pem")
	keyPath = filepath.Join(dir, name+"-key.pem")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))

	keyBytes, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}), 0o600))
	return certPath, keyPath
}

func TestBuildServerConfigLoadsCertAndPool(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "gateway")
	caPath, _ := writeSelfSignedCert(t, dir, "ca")

	cfg, err := BuildServerConfig(Config{
		CertFile:      certPath,
		KeyFile:       keyPath,
		AuthCertFile:  caPath,
		ALPNProtocols: []string{"T0CP", "T0SRV7"},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.NotNil(t, cfg.ClientCAs)
	require.Equal(t, []string{"T0CP", "T0SRV7"}, cfg.NextProtos)
}

func TestBuildServerConfigFailsOnMissingCert(t *testing.T) {
	_, err := BuildServerConfig(Config{CertFile: "/nonexistent", KeyFile: "/nonexistent"})
	require.Error(t, err)
}

func TestBuildServerConfigDisablesTicketsByDefault(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "gateway")
	caPath, _ := writeSelfSignedCert(t, dir, "ca")

	cfg, err := BuildServerConfig(Config{CertFile: certPath, KeyFile: keyPath, AuthCertFile: caPath})
	require.NoError(t, err)
	require.True(t, cfg.SessionTicketsDisabled)
}

func TestBuildServerConfigEnablesTicketsWhenBothFlagsSet(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "gateway")
	caPath, _ := writeSelfSignedCert(t, dir, "ca")

	cfg, err := BuildServerConfig(Config{
		CertFile: certPath, KeyFile: keyPath, AuthCertFile: caPath,
		SessionResumption: true, Tickets: true,
	})
	require.NoError(t, err)
	require.False(t, cfg.SessionTicketsDisabled)
}

func TestBuildClientConfigSetsSessionCacheWhenResumptionEnabled(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "client")
	caPath, _ := writeSelfSignedCert(t, dir, "ca")

	cfg, err := BuildClientConfig(Config{
		CertFile: certPath, KeyFile: keyPath, AuthCertFile: caPath,
		SessionResumption: true, Tickets: true,
	}, "gateway.example")
	require.NoError(t, err)
	require.NotNil(t, cfg.ClientSessionCache)
}
