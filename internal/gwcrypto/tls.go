// Package gwcrypto builds the mutual-TLS configs Trust0 runs on (spec §6)
// and refreshes the CRL used by the gateway's client-cert verifier
// (spec §4.10).
package gwcrypto

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/trust0/trust0/internal/apperr"
)

// Config carries the parameters needed to build a server or client TLS
// config, sourced from the CLI flags named in spec §6.
type Config struct {
	CertFile          string
	KeyFile           string
	AuthCertFile      string // CA bundle verifying the peer's certificate
	ProtocolVersion   string // "1.2" or "1.3"; empty means "either"
	CipherSuite       string // optional explicit suite name
	ALPNProtocols     []string
	SessionResumption bool
	Tickets           bool
}

// BuildServerConfig constructs the gateway's mutual-TLS listener config.
func BuildServerConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindConfig, err, "failed loading gateway cert/key: cert=%s key=%s", cfg.CertFile, cfg.KeyFile)
	}

	pool, err := loadCertPool(cfg.AuthCertFile)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   cfg.ALPNProtocols,
		MinVersion:   minVersionFor(cfg.ProtocolVersion),
		MaxVersion:   maxVersionFor(cfg.ProtocolVersion),
	}
	// Go's server-side resumption is ticket-based (RFC 5077); there is no
	// separate session-ID-cache knob to turn on independent of tickets, so
	// "resumption enabled" requires both flags rather than just the first.
	tlsCfg.SessionTicketsDisabled = !(cfg.SessionResumption && cfg.Tickets)
	if suite, ok := cipherSuiteByName(cfg.CipherSuite); ok {
		tlsCfg.CipherSuites = []uint16{suite}
	}
	return tlsCfg, nil
}

// BuildClientConfig constructs the client's mutual-TLS dial config.
func BuildClientConfig(cfg Config, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindConfig, err, "failed loading client cert/key: cert=%s key=%s", cfg.CertFile, cfg.KeyFile)
	}

	pool, err := loadCertPool(cfg.AuthCertFile)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		NextProtos:   cfg.ALPNProtocols,
		MinVersion:   minVersionFor(cfg.ProtocolVersion),
		MaxVersion:   maxVersionFor(cfg.ProtocolVersion),
	}
	// ClientSessionCache is what makes a *tls.Dialer actually present a
	// session ticket on reconnect; SessionResumption/Tickets mirror the
	// server-side pair of flags even though the client has only one real
	// knob to turn.
	if cfg.SessionResumption && cfg.Tickets {
		tlsCfg.ClientSessionCache = tls.NewLRUClientSessionCache(64)
	}
	return tlsCfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindConfig, err, "failed reading CA bundle: path=%s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, apperr.Newf(apperr.KindConfig, "no certificates parsed from CA bundle: path=%s", path)
	}
	return pool, nil
}

func minVersionFor(protocolVersion string) uint16 {
	switch protocolVersion {
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func maxVersionFor(protocolVersion string) uint16 {
	switch protocolVersion {
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return 0 // no explicit ceiling
	}
}

func cipherSuiteByName(name string) (uint16, bool) {
	if name == "" {
		return 0, false
	}
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, true
		}
	}
	return 0, false
}
