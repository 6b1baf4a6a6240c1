package alpn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/proxy"
)

// fakeLookup records Register calls so the test can assert the insert
// happens before the dispatcher ever touches execEvents.
type fakeLookup struct {
	mu         sync.Mutex
	active     map[uint64]bool
	registered []registerCall
	backend    net.Conn
}

type registerCall struct {
	serviceID, userID uint64
	key               proxy.Key
}

func (f *fakeLookup) IsProxyActive(serviceID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[serviceID]
}

func (f *fakeLookup) DialBackend(serviceID uint64) (net.Conn, error) {
	return f.backend, nil
}

func (f *fakeLookup) Register(serviceID, userID uint64, key proxy.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, registerCall{serviceID, userID, key})
	return nil
}

func issueCert(t *testing.T, caCert *x509.Certificate, caKey *ecdsa.PrivateKey, isCA bool, sanURI string) (tls.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	if sanURI != "" {
		u, err := url.Parse(sanURI)
		require.NoError(t, err)
		tmpl.URIs = []*url.URL{u}
	}

	parent, parentKey := caCert, caKey
	if isCA {
		tmpl.IsCA = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
		parent, parentKey = tmpl, key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}

func TestDispatchServicePlaneRegistersBeforePublishingExecEvent(t *testing.T) {
	caTLS, caCert := issueCert(t, nil, nil, true, "")
	caKey := caTLS.PrivateKey.(*ecdsa.PrivateKey)

	serverTLS, _ := issueCert(t, caCert, caKey, false, "")
	clientTLS, _ := issueCert(t, caCert, caKey, false, "trust0:42:alice")

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverTLS},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   []string{ServiceProtocol(7)},
	})
	require.NoError(t, err)
	defer ln.Close()

	execEvents := make(chan proxy.ExecutorEvent, 1)
	lookup := &fakeLookup{active: map[uint64]bool{7: true}, backend: backendConn(t)}
	dispatcher := New(logging.New("error"), lookup, nil, execEvents)

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		serverErr <- dispatcher.Dispatch(conn.(*tls.Conn))
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		Certificates:       []tls.Certificate{clientTLS},
		RootCAs:            pool,
		NextProtos:         []string{ServiceProtocol(7)},
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, <-serverErr)

	select {
	case ev := <-execEvents:
		require.Equal(t, proxy.ExecOpenTCP, ev.Kind)
		lookup.mu.Lock()
		defer lookup.mu.Unlock()
		require.Len(t, lookup.registered, 1)
		require.Equal(t, uint64(7), lookup.registered[0].serviceID)
		require.Equal(t, uint64(42), lookup.registered[0].userID)
		require.Equal(t, ev.Key, lookup.registered[0].key)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an ExecOpenTCP event")
	}
}

func backendConn(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go func() { server.Close() }()
	return client
}
