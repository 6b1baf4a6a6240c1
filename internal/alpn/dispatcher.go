// Package alpn implements the TLS ALPN dispatcher (spec §4.5): after a
// client completes a mutual-TLS handshake, the negotiated protocol routes
// the connection to either a control-plane session or a service-proxy
// tunnel, without ever inspecting plaintext to make that decision.
package alpn

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/certid"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/model"
	"github.com/trust0/trust0/internal/proxy"
)

// ControlPlaneProtocol is the fixed ALPN value selecting the control plane.
const ControlPlaneProtocol = "T0CP"

// ServiceProtocolPrefix precedes the decimal service ID in a service-plane
// ALPN value, e.g. "T0SRV7" for service 7.
const ServiceProtocolPrefix = "T0SRV"

// ServiceProtocol builds the ALPN value for one service.
func ServiceProtocol(serviceID uint64) string {
	return ServiceProtocolPrefix + strconv.FormatUint(serviceID, 10)
}

// ParseServiceProtocol extracts the service ID from a "T0SRV<id>" ALPN
// value. ok is false if proto doesn't match the service-plane shape.
func ParseServiceProtocol(proto string) (serviceID uint64, ok bool) {
	rest := strings.TrimPrefix(proto, ServiceProtocolPrefix)
	if rest == proto || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// BuildProtocols returns the full ALPN advertisement set for a tls.Config:
// the control plane plus one entry per service in the repository.
func BuildProtocols(services []model.Service) []string {
	protos := make([]string, 0, len(services)+1)
	protos = append(protos, ControlPlaneProtocol)
	for _, svc := range services {
		protos = append(protos, ServiceProtocol(svc.ServiceID))
	}
	return protos
}

// ServiceLookup answers whether a gateway-side proxy listener is currently
// active for a service, and dials a fresh backend connection for a tunnel.
// Implemented by the gateway service manager; expressed as an interface
// here to avoid an import cycle between alpn and gwservice.
type ServiceLookup interface {
	IsProxyActive(serviceID uint64) bool
	DialBackend(serviceID uint64) (net.Conn, error)

	// Register records a freshly accepted tunnel under (serviceID, userID)
	// before the dispatcher publishes its ExecOpenTcp event, so the
	// registry lookup a Closed event later depends on can never race
	// ahead of the insert (spec §4.1).
	Register(serviceID, userID uint64, key proxy.Key) error
}

// ControlPlaneHandler spawns a control-plane session bound to conn, whose
// peer certificate has already been validated by the TLS handshake.
type ControlPlaneHandler func(conn *tls.Conn) error

// Dispatcher routes one freshly handshaked *tls.Conn per its negotiated
// ALPN protocol.
type Dispatcher struct {
	log          logging.Logger
	lookup       ServiceLookup
	controlPlane ControlPlaneHandler
	execEvents   chan<- proxy.ExecutorEvent
}

// New builds a Dispatcher. execEvents receives one ExecOpenTCP event per
// accepted service-plane connection, whatever the service's transport.
func New(log logging.Logger, lookup ServiceLookup, controlPlane ControlPlaneHandler, execEvents chan<- proxy.ExecutorEvent) *Dispatcher {
	return &Dispatcher{log: log, lookup: lookup, controlPlane: controlPlane, execEvents: execEvents}
}

// Dispatch completes conn's handshake (if not already done) and routes it
// per the negotiated protocol. It returns a *apperr.AppError with
// KindRequest424/425 for the semantic failure modes named in spec §4.5.
// The gateway's accept loop (gwapp.Server) logs such an error and closes
// the connection; no response code is written back to the client.
func (d *Dispatcher) Dispatch(conn *tls.Conn) error {
	// No per-request timeout (spec §5): the handshake uses the socket's
	// own default, so a background context is sufficient here.
	if err := conn.HandshakeContext(context.Background()); err != nil {
		return apperr.Wrapf(apperr.KindTLS, err, "TLS handshake failed")
	}

	proto := conn.ConnectionState().NegotiatedProtocol
	switch {
	case proto == ControlPlaneProtocol:
		d.log.Debugf("alpn dispatch: control plane: remote=%s", conn.RemoteAddr())
		return d.controlPlane(conn)

	case strings.HasPrefix(proto, ServiceProtocolPrefix):
		serviceID, ok := ParseServiceProtocol(proto)
		if !ok {
			return apperr.Newf(apperr.KindRequest424, "unrecognized ALPN protocol: %q", proto)
		}
		return d.dispatchServicePlane(conn, serviceID)

	default:
		return apperr.Newf(apperr.KindRequest424, "unrecognized ALPN protocol: %q", proto)
	}
}

func (d *Dispatcher) dispatchServicePlane(conn *tls.Conn, serviceID uint64) error {
	if !d.lookup.IsProxyActive(serviceID) {
		return apperr.Newf(apperr.KindRequest425, "no active proxy listener for service %d", serviceID)
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return apperr.New(apperr.KindAuth420, "no client certificate presented on service-plane connection")
	}
	identity, err := certid.ExtractIdentity(state.PeerCertificates[0])
	if err != nil {
		return err
	}

	backend, err := d.lookup.DialBackend(serviceID)
	if err != nil {
		return err
	}

	key := proxy.NewKey()
	// The registry insert must land before the ExecOpenTcp publish: the
	// executor can finish and emit Closed for key the instant it's handed
	// off, and that Closed resolution depends on the registry entry
	// already being present (spec §4.1).
	if err := d.lookup.Register(serviceID, identity.UserID, key); err != nil {
		backend.Close()
		return err
	}

	d.log.Debugf("alpn dispatch: service plane: service=%d user=%d key=%s", serviceID, identity.UserID, key)
	d.execEvents <- proxy.ExecutorEvent{
		Kind:             proxy.ExecOpenTCP,
		Key:              key,
		ServiceID:        serviceID,
		UpstreamStream:   conn,
		DownstreamStream: backend,
	}
	return nil
}
