package udpsrv

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/proxy"
)

type fakeRegistrar struct {
	mu   sync.Mutex
	keys []proxy.Key
}

func (r *fakeRegistrar) RegisterConnection(serviceID uint64, key proxy.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *fakeRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func pipeDialer(t *testing.T) DialBackend {
	t.Helper()
	return func() (net.Conn, error) {
		backend, _ := net.Pipe()
		return backend, nil
	}
}

func peerAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestOnMessageReceivedRegistersNewSessionBeforePublishing(t *testing.T) {
	execEvents := make(chan proxy.ExecutorEvent, 1)
	registrar := &fakeRegistrar{}
	m := NewSessionManager(logging.New("error"), 7, pipeDialer(t), execEvents, registrar)

	require.NoError(t, m.OnMessageReceived(nil, peerAddr(t, "127.0.0.1:9001"), []byte("hi")))

	assert.Equal(t, 1, registrar.count())
	select {
	case ev := <-execEvents:
		assert.Equal(t, proxy.ExecOpenUDP, ev.Kind)
		assert.Equal(t, uint64(7), ev.ServiceID)
		assert.Equal(t, registrar.keys[0], ev.Key)
	default:
		t.Fatal("expected an ExecOpenUDP event")
	}
}

func TestOnMessageReceivedReusesSessionForSamePeer(t *testing.T) {
	execEvents := make(chan proxy.ExecutorEvent, 2)
	registrar := &fakeRegistrar{}
	m := NewSessionManager(logging.New("error"), 7, pipeDialer(t), execEvents, registrar)

	peer := peerAddr(t, "127.0.0.1:9002")
	require.NoError(t, m.OnMessageReceived(nil, peer, []byte("one")))
	require.NoError(t, m.OnMessageReceived(nil, peer, []byte("two")))

	assert.Equal(t, 1, registrar.count())
	assert.Len(t, execEvents, 1)
}

func TestSweepEvictsIdleSessionAndPublishesClose(t *testing.T) {
	execEvents := make(chan proxy.ExecutorEvent, 2)
	registrar := &fakeRegistrar{}
	m := NewSessionManager(logging.New("error"), 7, pipeDialer(t), execEvents, registrar)
	m.SetIdleTimeout(10 * time.Millisecond)

	peer := peerAddr(t, "127.0.0.1:9003")
	require.NoError(t, m.OnMessageReceived(nil, peer, []byte("hi")))
	<-execEvents // drain the ExecOpenUDP event

	time.Sleep(20 * time.Millisecond)
	m.Sweep()

	select {
	case ev := <-execEvents:
		assert.Equal(t, proxy.ExecClose, ev.Kind)
		assert.Equal(t, registrar.keys[0], ev.Key)
	default:
		t.Fatal("expected an ExecClose event from Sweep")
	}

	m.mu.Lock()
	remaining := len(m.sessions)
	m.mu.Unlock()
	assert.Zero(t, remaining, "evicted session must be removed from the session table")
}

func TestSweepLeavesActiveSessionAlone(t *testing.T) {
	execEvents := make(chan proxy.ExecutorEvent, 2)
	m := NewSessionManager(logging.New("error"), 7, pipeDialer(t), execEvents, nil)
	m.SetIdleTimeout(time.Hour)

	peer := peerAddr(t, "127.0.0.1:9004")
	require.NoError(t, m.OnMessageReceived(nil, peer, []byte("hi")))
	<-execEvents

	m.Sweep()

	select {
	case ev := <-execEvents:
		t.Fatalf("did not expect an eviction event, got %+v", ev)
	default:
	}
}

func TestForgetAllowsFreshSessionOnNextDatagram(t *testing.T) {
	execEvents := make(chan proxy.ExecutorEvent, 2)
	registrar := &fakeRegistrar{}
	m := NewSessionManager(logging.New("error"), 7, pipeDialer(t), execEvents, registrar)

	peer := peerAddr(t, "127.0.0.1:9005")
	require.NoError(t, m.OnMessageReceived(nil, peer, []byte("hi")))
	<-execEvents

	m.Forget(peer)
	require.NoError(t, m.OnMessageReceived(nil, peer, []byte("hi again")))
	<-execEvents

	assert.Equal(t, 2, registrar.count(), "forgetting a session must let a later datagram synthesize a fresh one")
}
