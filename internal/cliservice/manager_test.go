package cliservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/model"
	"github.com/trust0/trust0/internal/proxy"
)

func TestStartupIsIdempotentAndDoesNotGrowServiceCount(t *testing.T) {
	registry := proxy.NewRegistry()
	execEvents := make(chan proxy.ExecutorEvent, 4)
	mgr := NewManager(logging.New("error"), registry, execEvents)

	service := model.Service{ServiceID: 7, Transport: model.TransportTCP, Host: "h", Port: 80}
	addrs := model.ProxyAddrs{ClientPort: 9000, GatewayHost: "gw", GatewayPort: 443}

	got1, err := mgr.Startup(service, addrs)
	require.NoError(t, err)
	got2, err := mgr.Startup(service, addrs)
	require.NoError(t, err)

	assert.Equal(t, addrs, got1)
	assert.Equal(t, addrs, got2)
	assert.Equal(t, 1, mgr.ServiceCount())
}

func TestPollProxyEventsRemovesOnCloseAndIgnoresStale(t *testing.T) {
	registry := proxy.NewRegistry()
	execEvents := make(chan proxy.ExecutorEvent, 4)
	events := make(chan proxy.Event, 4)
	mgr := NewManager(logging.New("error"), registry, execEvents)

	service := model.Service{ServiceID: 7, Transport: model.TransportTCP}
	_, err := mgr.Startup(service, model.ProxyAddrs{})
	require.NoError(t, err)

	key := proxy.NewKey()
	require.NoError(t, mgr.RegisterConnection(7, key))

	done := make(chan struct{})
	go func() {
		mgr.PollProxyEvents(events)
		close(done)
	}()

	events <- proxy.ClosedEvent(key)
	// A second Closed for the same (already-removed) key must be a silent
	// no-op, not a panic or duplicate side effect.
	events <- proxy.ClosedEvent(key)
	close(events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PollProxyEvents did not return after channel close")
	}

	_, stillRegistered := registry.Lookup(key)
	assert.False(t, stillRegistered)
}

func TestShutdownClosesAllConnections(t *testing.T) {
	registry := proxy.NewRegistry()
	execEvents := make(chan proxy.ExecutorEvent, 4)
	mgr := NewManager(logging.New("error"), registry, execEvents)

	_, err := mgr.Startup(model.Service{ServiceID: 7, Transport: model.TransportTCP}, model.ProxyAddrs{})
	require.NoError(t, err)
	key := proxy.NewKey()
	require.NoError(t, mgr.RegisterConnection(7, key))

	require.NoError(t, mgr.Shutdown())

	select {
	case ev := <-execEvents:
		assert.Equal(t, proxy.ExecClose, ev.Kind)
		assert.Equal(t, key, ev.Key)
	default:
		t.Fatal("expected an ExecClose event")
	}
}
