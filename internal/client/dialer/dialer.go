// Package dialer implements the client's reconnect loop to the gateway's
// control-plane port (spec §4.6/§4.7): dial, back off on failure, retry up
// to an optional attempt cap.
//
// Grounded on share/client.go's connectionLoop: the *backoff.Backoff driven
// retry/give-up shape is carried over verbatim, re-targeted at a TLS dial
// instead of a websocket handshake (spec's transport is mutual TLS, not the
// teacher's websocket-over-HTTP upgrade).
package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/logging"
)

// Config tunes the retry loop. MaxRetryCount < 0 means unlimited attempts.
type Config struct {
	GatewayAddr      string
	TLSConfig        *tls.Config
	MaxRetryInterval time.Duration
	MaxRetryCount    int
}

// Dialer repeatedly attempts a TLS connection to the gateway, backing off
// between failures.
type Dialer struct {
	log logging.Logger
	cfg Config
}

// New builds a Dialer. A MaxRetryInterval below one second (including zero)
// defaults to 5 minutes, matching the teacher's own default.
func New(log logging.Logger, cfg Config) *Dialer {
	if cfg.MaxRetryInterval < time.Second {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	return &Dialer{log: log.Fork("dialer"), cfg: cfg}
}

// Dial connects to the gateway with alpnProtocol negotiated, retrying with
// exponential backoff until it succeeds, ctx is canceled, or the attempt
// cap is reached.
func (d *Dialer) Dial(ctx context.Context, alpnProtocol string) (*tls.Conn, error) {
	b := &backoff.Backoff{Max: d.cfg.MaxRetryInterval}
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if lastErr != nil {
			attempt := int(b.Attempt())
			if d.cfg.MaxRetryCount >= 0 && attempt >= d.cfg.MaxRetryCount {
				return nil, apperr.Wrapf(apperr.KindGeneral, lastErr, "giving up after %d attempts dialing gateway", attempt+1)
			}
			wait := b.Duration()
			d.log.Warnf("gateway dial failed, retrying in %s: %s", wait, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		tlsCfg := d.cfg.TLSConfig.Clone()
		tlsCfg.NextProtos = []string{alpnProtocol}

		dialer := &tls.Dialer{Config: tlsCfg}
		conn, err := dialer.DialContext(ctx, "tcp", d.cfg.GatewayAddr)
		if err != nil {
			lastErr = fmt.Errorf("dialing %s: %w", d.cfg.GatewayAddr, err)
			continue
		}

		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			return nil, apperr.New(apperr.KindGeneral, "gateway dial did not produce a TLS connection")
		}
		b.Reset()
		return tlsConn, nil
	}
}
