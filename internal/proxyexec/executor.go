// Package proxyexec implements the proxy-executor worker named in spec
// §4.1: the single consumer of the ProxyExecutorEvent queue that owns every
// tunnel's stream-copier pump, and publishes Closed exactly once per tunnel
// back onto the ProxyEvent queue.
package proxyexec

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/netcopy"
	"github.com/trust0/trust0/internal/proxy"
)

// Executor owns the running set of tunnels, indexed by proxy key, so an
// explicit Close{proxy_key} executor event can cancel exactly the named
// tunnel.
type Executor struct {
	log    logging.Logger
	events chan<- proxy.Event

	mu      sync.Mutex
	cancels map[proxy.Key]context.CancelFunc
}

// New builds an Executor publishing Closed events onto events.
func New(log logging.Logger, events chan<- proxy.Event) *Executor {
	return &Executor{log: log.Fork("proxy-executor"), events: events, cancels: make(map[proxy.Key]context.CancelFunc)}
}

// Run drains execEvents until the channel is closed. It blocks until then.
func (e *Executor) Run(ctx context.Context, execEvents <-chan proxy.ExecutorEvent) {
	for ev := range execEvents {
		switch ev.Kind {
		case proxy.ExecOpenTCP:
			e.openTCP(ctx, ev)
		case proxy.ExecOpenUDP:
			e.openUDP(ctx, ev)
		case proxy.ExecClose:
			e.close(ev.Key)
		}
	}
}

func (e *Executor) openTCP(parent context.Context, ev proxy.ExecutorEvent) {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancels[ev.Key] = cancel
	e.mu.Unlock()

	chunkSize := netcopy.ChunkSizeTCP
	if _, ok := ev.DownstreamStream.(*net.UDPConn); ok {
		chunkSize = netcopy.ChunkSizeUDP
	}
	copier := netcopy.New(e.log, e.events, ev.Key, ev.ServiceID, chunkSize)
	go func() {
		copier.Run(ctx, ev.UpstreamStream, ev.DownstreamStream)
		e.forget(ev.Key)
	}()
}

func (e *Executor) openUDP(parent context.Context, ev proxy.ExecutorEvent) {
	session := ev.UDPSession
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancels[ev.Key] = cancel
	e.mu.Unlock()

	go func() {
		e.pumpUDPSession(ctx, ev.Key, session)
		e.forget(ev.Key)
	}()
}

// pumpUDPSession reads datagrams off the backend connection and relays
// them to the original peer via ReplyTo, until the context is canceled or
// the backend connection errors/EOFs, at which point it publishes exactly
// one Closed event (spec §4.2's copier contract, adapted for the
// synthesized-session shape described in §4.4 rather than a plain
// net.Conn pair).
func (e *Executor) pumpUDPSession(ctx context.Context, key proxy.Key, session *proxy.UDPSession) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Backend.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, netcopy.ChunkSizeUDP)
	for {
		n, err := session.Backend.Read(buf)
		if n > 0 {
			if rerr := session.ReplyTo(buf[:n]); rerr != nil {
				e.log.Debugf("udp session reply failed, closing: key=%s err=%s", key, rerr)
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				e.log.Debugf("udp session backend read failed: key=%s err=%s", key, err)
			}
			break
		}
	}
	session.Backend.Close()
	if session.OnClose != nil {
		session.OnClose()
	}

	select {
	case e.events <- proxy.ClosedEvent(key):
	default:
	}
}

func (e *Executor) close(key proxy.Key) {
	e.mu.Lock()
	cancel, ok := e.cancels[key]
	delete(e.cancels, key)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Executor) forget(key proxy.Key) {
	e.mu.Lock()
	delete(e.cancels, key)
	e.mu.Unlock()
}
