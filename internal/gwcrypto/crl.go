package gwcrypto

import (
	"context"
	"crypto/x509"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/logging"
)

// Checker answers whether a certificate serial number has been revoked. It
// is consulted from the TLS server config's VerifyPeerCertificate hook.
type Checker struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewChecker returns an empty Checker; call Refresh once before serving.
func NewChecker() *Checker {
	return &Checker{revoked: make(map[string]struct{})}
}

// IsRevoked reports whether serial appears on the most recently loaded CRL.
func (c *Checker) IsRevoked(serial *big.Int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, revoked := c.revoked[serial.String()]
	return revoked
}

func (c *Checker) replace(serials map[string]struct{}) {
	c.mu.Lock()
	c.revoked = serials
	c.mu.Unlock()
}

// Refresh parses the DER-encoded CRL at path and atomically replaces the
// Checker's revoked set.
func (c *Checker) Refresh(path string) error {
	der, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrapf(apperr.KindIO, err, "failed reading CRL file: path=%s", path)
	}
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return apperr.Wrapf(apperr.KindConfig, err, "failed parsing CRL: path=%s", path)
	}

	serials := make(map[string]struct{}, len(list.RevokedCertificateEntries))
	for _, entry := range list.RevokedCertificateEntries {
		serials[entry.SerialNumber.String()] = struct{}{}
	}
	c.replace(serials)
	return nil
}

// Refresher polls a CRL file on a fixed interval and, where the platform
// supports it, also reacts to fsnotify write events for a faster refresh
// than the poll interval alone. It is the only fsnotify user in this
// module.
type Refresher struct {
	log      logging.Logger
	path     string
	interval time.Duration
	checker  *Checker
	onError  func(error)
}

// NewRefresher builds a Refresher. onError is invoked (non-fatally, per
// spec §4.10) on every failed parse/read; may be nil.
func NewRefresher(log logging.Logger, path string, interval time.Duration, checker *Checker, onError func(error)) *Refresher {
	return &Refresher{log: log.Fork("crl-refresh"), path: path, interval: interval, checker: checker, onError: onError}
}

// Run blocks, refreshing on a change in the file's mtime (observed either
// by poll tick or fsnotify event) until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.checker.Refresh(r.path); err != nil {
		r.reportError(err)
	}
	lastMtime := r.statMtime()

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	if err != nil {
		r.log.Debugf("fsnotify unavailable, falling back to poll-only CRL refresh: %s", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(r.path); err != nil {
			r.log.Debugf("fsnotify watch failed, falling back to poll-only CRL refresh: %s", err)
		} else {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			r.checkAndReload(&lastMtime)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				r.checkAndReload(&lastMtime)
			}
		}
	}
}

func (r *Refresher) checkAndReload(lastMtime *time.Time) {
	mtime := r.statMtime()
	if mtime.Equal(*lastMtime) {
		return
	}
	*lastMtime = mtime
	if err := r.checker.Refresh(r.path); err != nil {
		r.reportError(err)
	}
}

func (r *Refresher) statMtime() time.Time {
	info, err := os.Stat(r.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (r *Refresher) reportError(err error) {
	r.log.Errorf("CRL refresh failed: %s", err)
	if r.onError != nil {
		r.onError(err)
	}
}
