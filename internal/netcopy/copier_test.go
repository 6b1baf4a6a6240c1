package netcopy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/proxy"
)

func TestCopierDeliversBytesAndEmitsCloseOnce(t *testing.T) {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()

	log := logging.New("error")
	events := make(chan proxy.Event, 4)
	key := proxy.NewKey()
	copier := New(log, events, key, 1, ChunkSizeTCP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		copier.Run(ctx, aRemote, bRemote)
		close(done)
	}()

	// Feed "hello" into side A; expect side B sees exactly "hello".
	go func() {
		_, _ = aLocal.Write([]byte("hello"))
	}()

	buf := make([]byte, 5)
	bLocal.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(bLocal, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// Close side A: propagates to a Closed event and reaps the tunnel.
	aLocal.Close()
	bLocal.Close()

	select {
	case ev := <-events:
		assert.Equal(t, proxy.EvtClosed, ev.Kind)
		assert.Equal(t, key, ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("expected exactly one Closed event")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copier did not reap the tunnel")
	}

	select {
	case ev := <-events:
		t.Fatalf("expected no second Closed event, got %+v", ev)
	default:
	}
}

func TestCopierExplicitCloseReapsTunnel(t *testing.T) {
	a, _ := net.Pipe()
	b, _ := net.Pipe()

	log := logging.New("error")
	events := make(chan proxy.Event, 1)
	copier := New(log, events, proxy.NewKey(), 1, ChunkSizeTCP)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		copier.Run(ctx, a, b)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("explicit cancellation did not reap the tunnel")
	}
}
