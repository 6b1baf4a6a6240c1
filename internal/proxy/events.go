package proxy

import "net"

// ExecutorEventKind tags an ExecutorEvent's payload, mirroring the Rust
// ProxyExecutorEvent enum (spec §4.1).
type ExecutorEventKind int

const (
	// ExecOpenTCP carries a freshly accepted/dialed pair of TCP streams to bridge.
	ExecOpenTCP ExecutorEventKind = iota
	// ExecOpenUDP carries a freshly created UDP pseudo-session to service.
	ExecOpenUDP
	// ExecClose requests the executor tear down an existing tunnel by key.
	ExecClose
)

// ExecutorEvent is published by accept paths and consumed by the
// proxy-executor worker that owns the stream-copier pumps.
type ExecutorEvent struct {
	Kind             ExecutorEventKind
	Key              Key
	ServiceID        uint64
	UpstreamStream   net.Conn
	DownstreamStream net.Conn
	UDPSession       *UDPSession
}

// EventKind tags a ProxyEvent's payload (spec §4.1).
type EventKind int

const (
	// EvtClosed reports a tunnel's transport has closed.
	EvtClosed EventKind = iota
	// EvtMessage carries a UDP datagram up to the owning service manager.
	EvtMessage
)

// Event is published by pumps on EOF/error and consumed by the service
// manager, which fans out to the owning per-service visitor.
type Event struct {
	Kind      EventKind
	Key       Key
	ServiceID uint64
	PeerAddr  net.Addr
	Data      []byte
}

// ClosedEvent builds a Closed event for key.
func ClosedEvent(key Key) Event {
	return Event{Kind: EvtClosed, Key: key}
}

// UDPSession is the handle passed through ExecOpenUDP events. It is defined
// here rather than in internal/udpsrv to avoid an import cycle between
// proxy and udpsrv. Sessions are created by udpsrv, which fills in the
// fields and function fields below; the proxy executor only reads them.
type UDPSession struct {
	ServiceID uint64
	PeerAddr  net.Addr
	// Backend is the dialed backend UDP connection; reads/writes pump
	// through the stream copier the same as a TCP tunnel leg.
	Backend net.Conn
	// ReplyTo writes a datagram back to the original peer on the shared
	// listening socket (see internal/udpsrv.Server.SendTo).
	ReplyTo func(data []byte) error
	// OnClose is invoked exactly once after Backend is fully reaped (EOF,
	// error, or an executor-driven Close), so the session-synthesis layer
	// that created this session can forget its (service, peer) mapping.
	OnClose func()
}
