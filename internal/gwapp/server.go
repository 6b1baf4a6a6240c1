package gwapp

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/trust0/trust0/internal/alpn"
	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/certid"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/wire"
)

// Server owns the gateway's single TLS accept loop: every inbound
// connection is handed to the ALPN dispatcher, which routes it to the
// control plane or a service tunnel.
type Server struct {
	log        logging.Logger
	dispatcher *alpn.Dispatcher
}

// NewServer builds a Server around an already-constructed Dispatcher.
func NewServer(log logging.Logger, dispatcher *alpn.Dispatcher) *Server {
	return &Server{log: log.Fork("gwapp"), dispatcher: dispatcher}
}

// Run accepts connections on ln until ctx is canceled, dispatching each on
// its own goroutine.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperr.Wrap(apperr.KindIO, err, "accept failed")
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		go func() {
			if err := s.dispatcher.Dispatch(tlsConn); err != nil {
				s.log.Warnf("connection rejected: remote=%s err=%s", tlsConn.RemoteAddr(), err)
				tlsConn.Close()
			}
		}()
	}
}

// ControlPlane builds the alpn.ControlPlaneHandler bound to deps: it
// extracts the caller's identity from the verified client certificate and
// runs a wire.Session for the connection's lifetime.
func ControlPlane(log logging.Logger, deps *Deps) alpn.ControlPlaneHandler {
	return func(conn *tls.Conn) error {
		state := conn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return apperr.New(apperr.KindAuth420, "no client certificate presented on control-plane connection")
		}
		identity, err := certid.ExtractIdentity(state.PeerCertificates[0])
		if err != nil {
			return err
		}

		session := wire.NewSession(log, conn, wire.Identity{
			UserID:      identity.UserID,
			UserName:    identity.UserName,
			CertSubject: state.PeerCertificates[0].Subject.String(),
		}, deps)
		defer conn.Close()
		return session.Run()
	}
}
