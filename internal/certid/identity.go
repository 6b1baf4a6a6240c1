package certid

import (
	"crypto/x509"
	"strconv"
	"strings"

	"github.com/trust0/trust0/internal/apperr"
)

// Identity is the user identity bound to a client certificate.
type Identity struct {
	UserID   uint64
	UserName string
}

// ExtractIdentity derives a user identity from cert's Subject Alternative
// Name URI entry carrying "{user_id}:{user_name}" (spec §4.6); if no such
// URI entry is present, it falls back to the certificate's Common Name,
// which must then itself be parseable in the same "{id}:{name}" form. A
// malformed or absent identity yields KindAuth420.
//
// Go's x509 parser validates every SAN URI with net/url before handing it
// back as cert.URIs, which rejects a bare "{id}:{name}" value outright (a
// leading numeric segment followed by ':' isn't a legal relative
// reference). Issuing certificates for this gateway must therefore mint the
// SAN URI with a scheme prefix, e.g. "trust0:{user_id}:{user_name}", so the
// identity lands in the URI's opaque part; ExtractIdentity reads it there.
//
// crypto/x509 already exposes parsed SAN URIs as cert.URIs, so the ASN.1
// decoder in this package is not needed for this common path — it remains
// available for any subject attribute read generically (§4.9) rather than
// through Go's typed Certificate fields.
func ExtractIdentity(cert *x509.Certificate) (Identity, error) {
	for _, u := range cert.URIs {
		if id, ok := parseIdentity(u.Opaque); ok {
			return id, nil
		}
		// Some issuers encode the value as the whole URI string rather than
		// in the scheme-less Opaque part; fall back to the full string too.
		if id, ok := parseIdentity(u.String()); ok {
			return id, nil
		}
	}

	if id, ok := parseIdentity(cert.Subject.CommonName); ok {
		return id, nil
	}

	return Identity{}, apperr.New(apperr.KindAuth420, "client certificate has no parseable user identity")
}

// parseIdentity parses "{user_id}:{user_name}".
func parseIdentity(s string) (Identity, bool) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Identity{}, false
	}
	userID, err := strconv.ParseUint(s[:idx], 10, 64)
	if err != nil {
		return Identity{}, false
	}
	return Identity{UserID: userID, UserName: s[idx+1:]}, true
}
