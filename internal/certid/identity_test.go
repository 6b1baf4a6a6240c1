package certid

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractIdentityFromSANURI(t *testing.T) {
	u, err := url.Parse("trust0:100:alice")
	require.NoError(t, err)
	cert := &x509.Certificate{URIs: []*url.URL{u}}

	id, err := ExtractIdentity(cert)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), id.UserID)
	assert.Equal(t, "alice", id.UserName)
}

func TestExtractIdentityFallsBackToCommonName(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "200:bob"}}

	id, err := ExtractIdentity(cert)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), id.UserID)
	assert.Equal(t, "bob", id.UserName)
}

func TestExtractIdentityFailsOnMalformedValue(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "not-an-identity"}}

	_, err := ExtractIdentity(cert)
	require.Error(t, err)
}
