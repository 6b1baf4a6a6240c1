package udpsrv

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust0/trust0/internal/logging"
)

type recordingVisitor struct {
	mu       sync.Mutex
	listened bool
	messages [][]byte
	shutdown bool
}

func (v *recordingVisitor) OnListening() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listened = true
	return nil
}

func (v *recordingVisitor) OnMessageReceived(localAddr, peerAddr *net.UDPAddr, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = append(v.messages, append([]byte(nil), data...))
	return nil
}

func (v *recordingVisitor) ShutdownRequested() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shutdown
}

func (v *recordingVisitor) Sweep() {}

func (v *recordingVisitor) requestShutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shutdown = true
}

func TestServerReceivesDatagramAndShutsDown(t *testing.T) {
	log := logging.New("error")
	visitor := &recordingVisitor{}

	srv, err := New(log, visitor, 0)
	require.NoError(t, err)
	require.NoError(t, srv.BindListener())
	defer srv.Shutdown()

	assert.True(t, visitor.listened)

	addr := srv.Conn().LocalAddr().(*net.UDPAddr)

	pollDone := make(chan struct{})
	go func() {
		srv.PollNewMessages()
		close(pollDone)
	}()

	client, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		visitor.mu.Lock()
		defer visitor.mu.Unlock()
		return len(visitor.messages) == 1
	}, 3*time.Second, 10*time.Millisecond)

	visitor.mu.Lock()
	assert.Equal(t, "ping", string(visitor.messages[0]))
	visitor.mu.Unlock()

	visitor.requestShutdown()

	select {
	case <-pollDone:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop polling after shutdown request")
	}
}

func TestServerRejectsDoublePoll(t *testing.T) {
	log := logging.New("error")
	visitor := &recordingVisitor{}

	srv, err := New(log, visitor, 0)
	require.NoError(t, err)
	require.NoError(t, srv.BindListener())
	defer srv.Shutdown()

	go srv.PollNewMessages()
	time.Sleep(20 * time.Millisecond)

	err = srv.PollNewMessages()
	require.Error(t, err)

	visitor.requestShutdown()
}
