// Package udpsrv implements the non-blocking-style UDP server (spec §4.4):
// a datagram listener that fans incoming packets to a visitor, bounded by
// a 1s poll cadence, checking a shutdown flag each iteration without
// busy-spinning.
//
// original_source/crates/common/src/net/udp_server/server_std.rs drives
// this with a raw, non-blocking UdpSocket plus a mio::Poll readiness
// poller. Go's net.UDPConn is inherently safe for concurrent use and
// supports read deadlines, so the same "bounded wait, check shutdown,
// repeat" cadence is expressed with SetReadDeadline(1s) instead of a
// separate OS-level poller — a deadline timeout is this package's
// WouldBlock, handled identically (silent no-op, loop again).
package udpsrv

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/logging"
)

// RecvBufferSize is the fixed read chunk for UDP datagrams (spec §4.4).
const RecvBufferSize = 64 * 1024

// pollDuration bounds how long one iteration can block waiting for a
// datagram before re-checking the shutdown flag (spec §4.4: "up to 1s").
const pollDuration = 1 * time.Second

// Visitor receives lifecycle/message callbacks from a polling Server.
type Visitor interface {
	// OnListening is called once the server socket is bound.
	OnListening() error
	// OnMessageReceived delivers one datagram's (local addr, peer addr, bytes).
	OnMessageReceived(localAddr, peerAddr *net.UDPAddr, data []byte) error
	// ShutdownRequested is polled once per iteration; true stops the server.
	ShutdownRequested() bool
	// Sweep is called once per poll iteration (~1s cadence), independent of
	// whether a datagram arrived, so the visitor can reap idle state (spec
	// §4.4's idle-timeout eviction).
	Sweep()
}

// Server is a non-blocking-style UDP listener bound to [::]:port.
type Server struct {
	log     logging.Logger
	visitor Visitor
	port    uint16
	addr    *net.UDPAddr
	conn    *net.UDPConn

	mu      sync.Mutex
	polling bool
}

func (s *Server) setPolling(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.polling
	s.polling = v
	return prev
}

func (s *Server) isPolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// New creates a Server for the given port (not yet bound).
func New(log logging.Logger, visitor Visitor, port uint16) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("::", strconv.FormatUint(uint64(port), 10)))
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindConfig, err, "failed resolving UDP server addr: port=%d", port)
	}
	return &Server{log: log, visitor: visitor, port: port, addr: addr}, nil
}

// BindListener binds/listens on the configured port.
func (s *Server) BindListener() error {
	conn, err := net.ListenUDP("udp", s.addr)
	if err != nil {
		return apperr.Wrapf(apperr.KindIO, err, "error binding UDP socket: addr=%s", s.addr)
	}
	s.conn = conn
	s.log.Infof("server started: addr=%s", s.addr)
	return s.visitor.OnListening()
}

// Conn exposes the bound socket, e.g. so a gateway-side session can send
// reply datagrams back to peers on the same shared socket.
func (s *Server) Conn() *net.UDPConn { return s.conn }

// SendTo writes a datagram to addr on the shared server socket.
func (s *Server) SendTo(addr *net.UDPAddr, data []byte) (int, error) {
	n, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return n, apperr.Wrapf(apperr.KindIO, err, "error sending message: dest=%s", addr)
	}
	return n, nil
}

// PollNewMessages runs the receive loop until ShutdownRequested() returns
// true. It blocks until then.
func (s *Server) PollNewMessages() error {
	if s.conn == nil {
		return apperr.New(apperr.KindGeneral, "gateway not listening")
	}
	if s.setPolling(true) {
		return apperr.Newf(apperr.KindGeneral, "already polling for new messages: addr=%s", s.addr)
	}

	s.log.Infof("polling messages started: addr=%s", s.addr)

	buf := make([]byte, RecvBufferSize)
	for s.isPolling() {
		s.conn.SetReadDeadline(time.Now().Add(pollDuration))
		n, peerAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				// WouldBlock-equivalent: no-op, re-check shutdown flag.
			} else if s.isPolling() {
				s.log.Errorf("error receiving message: addr=%s: %s", s.addr, err)
			}
		} else {
			s.log.Debugf("client message recvd: size=%d", n)
			data := append([]byte(nil), buf[:n]...)
			if verr := s.visitor.OnMessageReceived(s.addr, peerAddr, data); verr != nil {
				s.log.Errorf("message handler failed: %s", verr)
			}
		}

		s.visitor.Sweep()

		if s.visitor.ShutdownRequested() {
			s.setPolling(false)
		}
	}

	s.log.Infof("polling messages ended: addr=%s", s.addr)
	return nil
}

// Shutdown stops polling and releases the socket.
func (s *Server) Shutdown() {
	s.setPolling(false)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if e, ok := err.(net.Error); ok {
		ne = e
		return ne.Timeout()
	}
	return os.IsTimeout(err)
}

