// Package netcopy implements the bidirectional stream copier (spec §4.2):
// given two owned byte streams, pump data in both directions with
// half-close and full-close semantics, publishing exactly one Closed event
// per tunnel.
//
// The teacher's analogous logic (share/channel.go's BasicBridgeChannels,
// together with share/half_closer.go's ReadHalfCloser/WriteHalfCloser
// split) polls a non-blocking socket pair with a sleep between cycles,
// because its transport (an SSH channel multiplexed over a single TCP
// connection) isn't natively capable of a blocking per-direction read.
// Trust0's tunnel legs are plain net.Conn values (TLS stream, backend TCP
// or UDP session), so each direction gets its own goroutine doing a
// blocking Read/Write pump — no WouldBlock polling loop is needed; a
// goroutine's Read simply parks until data, EOF, or the peer is closed.
// This is a deliberate redesign: it preserves every
// externally visible contract (half-close on EOF, full-close + single
// Closed event on error, reap-on-either-pump-exit) without the busy-wait
// texture that only makes sense for the teacher's non-blocking transport.
package netcopy

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/metrics"
	"github.com/trust0/trust0/internal/proxy"
)

// ChunkSizeTCP is the fixed read chunk for TCP tunnel legs (spec §4.2).
const ChunkSizeTCP = 1024

// ChunkSizeUDP is the fixed read chunk for UDP tunnel legs (spec §4.2).
const ChunkSizeUDP = 64 * 1024

// halfCloser is implemented by net.TCPConn and any other stream that
// supports shutting down only its write half (half-close).
type halfCloser interface {
	CloseWrite() error
}

// Copier bridges two net.Conn legs of one tunnel, publishing proxy.Event
// Closed exactly once to events when the tunnel is fully reaped.
type Copier struct {
	log       logging.Logger
	events    chan<- proxy.Event
	key       proxy.Key
	serviceID uint64
	chunkSize int
}

// New creates a Copier for one tunnel identified by key/serviceID. chunkSize
// should be netcopy.ChunkSizeTCP or netcopy.ChunkSizeUDP depending on the
// service's transport.
func New(log logging.Logger, events chan<- proxy.Event, key proxy.Key, serviceID uint64, chunkSize int) *Copier {
	return &Copier{
		log:       log.Fork("copier:%s", key),
		events:    events,
		key:       key,
		serviceID: serviceID,
		chunkSize: chunkSize,
	}
}

// Run bridges a and b until both pump directions have exited (either via
// EOF half-close propagating both ways, an I/O error, or ctx being
// canceled by an explicit Close executor event). It blocks until the
// tunnel is fully reaped and returns the byte counts copied in each
// direction.
func (c *Copier) Run(ctx context.Context, a, b net.Conn) (aToB int64, bToA int64) {
	var wg sync.WaitGroup
	var once sync.Once
	emitClosed := func() {
		once.Do(func() {
			select {
			case c.events <- proxy.ClosedEvent(c.key):
			default:
				// consumer not keeping up; drop rather than block the pump
				// goroutine forever (bus consumers must not block producers,
				// per spec §4.1).
			}
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
			b.Close()
		case <-done:
		}
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		aToB = c.pump(a, b, "a->b")
	}()
	go func() {
		defer wg.Done()
		bToA = c.pump(b, a, "b->a")
	}()
	wg.Wait()
	close(done)

	emitClosed()
	a.Close()
	b.Close()
	return aToB, bToA
}

// pump reads from src in chunks and writes the full chunk to dst, until
// src reaches EOF (half-close: shut down dst's write half and return) or
// an error occurs (full-close: close both ends).
func (c *Copier) pump(src, dst net.Conn, direction string) int64 {
	var total int64
	buf := make([]byte, c.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeAll(dst, buf[:n]); werr != nil {
				c.log.Debugf("write error on %s, closing tunnel: %s", direction, werr)
				dst.Close()
				src.Close()
				return total
			}
			total += int64(n)
			metrics.BytesCopied(c.serviceID, direction).Add(float64(n))
		}
		if err != nil {
			if err == io.EOF {
				if hc, ok := dst.(halfCloser); ok {
					hc.CloseWrite()
				} else {
					dst.Close()
				}
				return total
			}
			c.log.Debugf("read error on %s, closing tunnel: %s", direction, err)
			dst.Close()
			src.Close()
			return total
		}
	}
}

func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
