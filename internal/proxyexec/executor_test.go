package proxyexec

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

func TestOpenTCPCopiesBytesAndPublishesClosedOnce(t *testing.T) {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()

	events := make(chan proxy.Event, 4)
	e := New(logging.New("error"), events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := proxy.NewKey()
	execEvents := make(chan proxy.ExecutorEvent, 1)
	execEvents <- proxy.ExecutorEvent{Kind: proxy.ExecOpenTCP, Key: key, ServiceID: 42, UpstreamStream: aRemote, DownstreamStream: bRemote}
	close(execEvents)
	go e.Run(ctx, execEvents)

	go func() { _, _ = aLocal.Write([]byte("hello")) }()

	buf := make([]byte, 5)
	bLocal.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(bLocal, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	aLocal.Close()
	bLocal.Close()

	select {
	case ev := <-events:
		assert.Equal(t, proxy.EvtClosed, ev.Kind)
		assert.Equal(t, key, ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a Closed event")
	}
}

func TestOpenUDPInvokesOnCloseWhenBackendEOFs(t *testing.T) {
	events := make(chan proxy.Event, 4)
	e := New(logging.New("error"), events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backendSrv, backendCli := net.Pipe()
	closed := make(chan struct{})
	session := &proxy.UDPSession{
		ServiceID: 9,
		Backend:   backendCli,
		ReplyTo:   func([]byte) error { return nil },
		OnClose:   func() { close(closed) },
	}
	key := proxy.NewKey()
	execEvents := make(chan proxy.ExecutorEvent, 1)
	execEvents <- proxy.ExecutorEvent{Kind: proxy.ExecOpenUDP, Key: key, UDPSession: session}
	close(execEvents)
	go e.Run(ctx, execEvents)

	backendSrv.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnClose to be invoked after backend EOF")
	}
}
