// Package cliservice implements the client-side service manager (spec
// §4.7): per-service proxy bookkeeping, started idempotently, torn down
// via the shared proxy event bus. The local listeners themselves are bound
// by internal/cliapp.
//
// Grounded on original_source/crates/client/src/service/manager.rs: the
// (ProxyAddrs, visitor) pairing keyed by service_id, startup's early return
// on an already-present entry, and poll_proxy_events' Closed-event
// resolution through the proxy-key registry are carried over; the
// per-service worker thread/visitor trait-object split collapses into a
// single mutex-guarded visitor value per spec §9's guidance against
// cyclic manager<->visitor references.
package cliservice

import (
	"sync"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/model"
	"github.com/trust0/trust0/internal/proxy"
)

// visitor tracks one service's live client-side tunnels by proxy key.
type visitor struct {
	mu                sync.Mutex
	serviceID         uint64
	conns             map[proxy.Key]struct{}
	shutdownRequested bool
}

func newVisitor(serviceID uint64) *visitor {
	return &visitor{serviceID: serviceID, conns: make(map[proxy.Key]struct{})}
}

func (v *visitor) addConn(key proxy.Key) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conns[key] = struct{}{}
}

func (v *visitor) removeForKey(key proxy.Key) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.conns[key]; !ok {
		return false
	}
	delete(v.conns, key)
	return true
}

func (v *visitor) setShutdownRequested(requested bool) {
	v.mu.Lock()
	v.shutdownRequested = requested
	v.mu.Unlock()
}

func (v *visitor) shutdownConnections(registry *proxy.Registry, execEvents chan<- proxy.ExecutorEvent) {
	v.mu.Lock()
	keys := make([]proxy.Key, 0, len(v.conns))
	for key := range v.conns {
		keys = append(keys, key)
	}
	v.conns = make(map[proxy.Key]struct{})
	v.mu.Unlock()

	for _, key := range keys {
		registry.Remove(key)
		execEvents <- proxy.ExecutorEvent{Kind: proxy.ExecClose, Key: key}
	}
}

// Manager tracks one proxy entry (address tuple and live connections) per
// active service on the client side. Only one Manager should be
// constructed per process.
type Manager struct {
	log        logging.Logger
	registry   *proxy.Registry
	execEvents chan<- proxy.ExecutorEvent

	mu       sync.Mutex
	addrs    map[uint64]model.ProxyAddrs
	visitors map[uint64]*visitor
}

// NewManager builds a Manager sharing registry/execEvents with the rest of
// the proxy-executor plumbing.
func NewManager(log logging.Logger, registry *proxy.Registry, execEvents chan<- proxy.ExecutorEvent) *Manager {
	return &Manager{
		log:        log.Fork("cliservice"),
		registry:   registry,
		execEvents: execEvents,
		addrs:      make(map[uint64]model.ProxyAddrs),
		visitors:   make(map[uint64]*visitor),
	}
}

// Startup records addrs for service and creates its connection-tracking
// visitor; it does not bind a listener (internal/cliapp does that).
// Calling it twice for the same service_id is a no-op that returns the
// originally stored ProxyAddrs unchanged (spec P2).
func (m *Manager) Startup(service model.Service, addrs model.ProxyAddrs) (model.ProxyAddrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.addrs[service.ServiceID]; ok {
		return existing, nil
	}

	m.addrs[service.ServiceID] = addrs
	m.visitors[service.ServiceID] = newVisitor(service.ServiceID)
	m.log.Infof("client service proxy started: service=%d transport=%s client_port=%d", service.ServiceID, service.Transport, addrs.ClientPort)
	return addrs, nil
}

// ProxyAddrsForService returns the stored address tuple for serviceID, if
// a proxy has been started for it.
func (m *Manager) ProxyAddrsForService(serviceID uint64) (model.ProxyAddrs, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs, ok := m.addrs[serviceID]
	return addrs, ok
}

// ServiceCount reports the number of services with an active proxy,
// exercised the way the teacher exercises its own internal bookkeeping:
// idempotent startup must never grow this count.
func (m *Manager) ServiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visitors)
}

// RegisterConnection records a freshly accepted local connection under
// serviceID in both the service's local set and the global registry.
func (m *Manager) RegisterConnection(serviceID uint64, key proxy.Key) error {
	m.mu.Lock()
	v, ok := m.visitors[serviceID]
	m.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.KindGeneral, "no active client proxy for service %d", serviceID)
	}
	v.addConn(key)
	m.registry.Insert(key, serviceID)
	return nil
}

// PollProxyEvents drains events until the channel is closed. A Closed event
// resolves its owning service via the registry and asks that service's
// visitor to drop the key; a stale (already-removed) key is silently
// dropped, matching the source's poll_proxy_events behavior.
func (m *Manager) PollProxyEvents(events <-chan proxy.Event) {
	for ev := range events {
		if ev.Kind != proxy.EvtClosed {
			continue
		}
		serviceID, ok := m.registry.Lookup(ev.Key)
		if !ok {
			continue
		}
		m.mu.Lock()
		v, ok := m.visitors[serviceID]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if v.removeForKey(ev.Key) {
			m.registry.Remove(ev.Key)
		}
	}
}

// Shutdown flags every active service's visitor for shutdown and tears
// down its live connections. No step of that teardown reports an error, so
// it always returns nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	visitors := make([]*visitor, 0, len(m.visitors))
	for _, v := range m.visitors {
		visitors = append(visitors, v)
	}
	m.mu.Unlock()

	for _, v := range visitors {
		v.setShutdownRequested(true)
		v.shutdownConnections(m.registry, m.execEvents)
		m.log.Infof("service proxy shutdown: service=%d", v.serviceID)
	}
	return nil
}
