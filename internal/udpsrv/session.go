package udpsrv

import (
	"net"
	"sync"
	"time"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/proxy"
)

// DialBackend opens a fresh backend connection for a new UDP pseudo-session.
type DialBackend func() (net.Conn, error)

// DefaultIdleTimeout is how long a UDP pseudo-session may sit without an
// inbound datagram from its peer before Sweep evicts it. Spec §4.4 leaves
// the exact bound an implementer choice ("not observable from outside");
// chosen here rather than left unbounded, per the REDESIGN open question
// on session eviction (recorded in DESIGN.md).
const DefaultIdleTimeout = 2 * time.Minute

// Registrar records a freshly synthesized UDP pseudo-session's proxy key
// against its owning service, the same way a TCP tunnel is registered
// before its ExecOpenTcp/ExecOpenUdp event is published (spec §4.1).
// Satisfied structurally by *cliservice.Manager.
type Registrar interface {
	RegisterConnection(serviceID uint64, key proxy.Key) error
}

// sessionEntry tracks one synthesized session's bookkeeping alongside the
// proxy.UDPSession handed to the executor.
type sessionEntry struct {
	session    *proxy.UDPSession
	proxyKey   proxy.Key
	lastActive time.Time
}

// SessionManager is the Visitor for a Server: it synthesizes one
// proxy.UDPSession per (service, peer addr) pair sharing the server's one
// listening socket, dialing a backend connection the first time a peer is
// seen and forwarding every later datagram from that peer straight to the
// existing backend (spec §4.4's "UDP pseudo-session layer").
type SessionManager struct {
	log         logging.Logger
	srv         *Server
	serviceID   uint64
	dialBackend DialBackend
	execEvents  chan<- proxy.ExecutorEvent
	registrar   Registrar
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	shutdown bool
}

// NewSessionManager builds a SessionManager for one service's UDP listener.
// execEvents receives one ExecOpenUDP per newly synthesized session, which
// the proxy executor serves by reading the backend and relaying each
// datagram back to the peer through the session's ReplyTo. registrar
// may be nil (no registry bookkeeping, e.g. in tests exercising only the
// datagram-forwarding path).
func NewSessionManager(log logging.Logger, serviceID uint64, dial DialBackend, execEvents chan<- proxy.ExecutorEvent, registrar Registrar) *SessionManager {
	return &SessionManager{
		log:         log.Fork("udp-sessions:%d", serviceID),
		serviceID:   serviceID,
		dialBackend: dial,
		execEvents:  execEvents,
		registrar:   registrar,
		idleTimeout: DefaultIdleTimeout,
		sessions:    make(map[string]*sessionEntry),
	}
}

// SetIdleTimeout overrides DefaultIdleTimeout.
func (m *SessionManager) SetIdleTimeout(d time.Duration) { m.idleTimeout = d }

// BindServer associates the listening Server once constructed, so ReplyTo
// closures can write back through its shared socket.
func (m *SessionManager) BindServer(srv *Server) { m.srv = srv }

func (m *SessionManager) OnListening() error {
	m.log.Infof("udp service listening: serviceId=%d", m.serviceID)
	return nil
}

func (m *SessionManager) ShutdownRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// RequestShutdown flags the manager's Server to stop polling after its
// current iteration.
func (m *SessionManager) RequestShutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

// OnMessageReceived routes one inbound datagram: forward to an existing
// session's backend, or synthesize a new session and announce it via an
// ExecOpenUDP executor event before forwarding the first datagram.
func (m *SessionManager) OnMessageReceived(localAddr, peerAddr *net.UDPAddr, data []byte) error {
	key := peerAddr.String()

	m.mu.Lock()
	entry, ok := m.sessions[key]
	if ok {
		entry.lastActive = time.Now()
	}
	m.mu.Unlock()

	if !ok {
		backend, err := m.dialBackend()
		if err != nil {
			return apperr.Wrapf(apperr.KindIO, err, "error dialing UDP backend: service=%d peer=%s", m.serviceID, peerAddr)
		}

		proxyKey := proxy.NewKey()
		if m.registrar != nil {
			if err := m.registrar.RegisterConnection(m.serviceID, proxyKey); err != nil {
				backend.Close()
				return apperr.Wrapf(apperr.KindGeneral, err, "registering UDP session: service=%d peer=%s", m.serviceID, peerAddr)
			}
		}

		peer := peerAddr
		session := &proxy.UDPSession{
			ServiceID: m.serviceID,
			PeerAddr:  peer,
			Backend:   backend,
			ReplyTo: func(data []byte) error {
				_, err := m.srv.SendTo(peer, data)
				return err
			},
			OnClose: func() { m.Forget(peer) },
		}
		entry = &sessionEntry{session: session, proxyKey: proxyKey, lastActive: time.Now()}

		m.mu.Lock()
		m.sessions[key] = entry
		m.mu.Unlock()

		m.execEvents <- proxy.ExecutorEvent{
			Kind:       proxy.ExecOpenUDP,
			Key:        proxyKey,
			ServiceID:  m.serviceID,
			UDPSession: session,
		}
	}

	_, err := entry.session.Backend.Write(data)
	if err != nil {
		return apperr.Wrapf(apperr.KindIO, err, "error forwarding datagram to backend: service=%d peer=%s", m.serviceID, peerAddr)
	}
	return nil
}

// Sweep evicts every session that hasn't seen an inbound datagram within
// idleTimeout, closing its backend via an ExecClose executor event (the
// same teardown path an explicit Close or backend EOF drives) rather than
// closing it directly here, so there is exactly one reap path the executor
// and Forget both observe consistently. Called once per server poll
// iteration (spec §4.4: eviction need only be observable at that ~1s
// granularity, not immediately on expiry).
func (m *SessionManager) Sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var stale []proxy.Key
	for peer, entry := range m.sessions {
		if entry.lastActive.Before(cutoff) {
			stale = append(stale, entry.proxyKey)
			delete(m.sessions, peer)
		}
	}
	m.mu.Unlock()

	for _, key := range stale {
		m.log.Debugf("udp session idle timeout, closing: service=%d key=%s", m.serviceID, key)
		m.execEvents <- proxy.ExecutorEvent{Kind: proxy.ExecClose, Key: key}
	}
}

// Forget drops a session once its bridging copier has reaped it, so a later
// datagram from the same peer synthesizes a fresh session/backend dial.
func (m *SessionManager) Forget(peerAddr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peerAddr.String())
}
