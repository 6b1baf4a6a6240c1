// Package cliapp wires the client's control-plane session and per-service
// local listeners together; it is the composition root cmd/client's main.go
// calls into, mirroring internal/gwapp's role on the gateway side.
package cliapp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/trust0/trust0/internal/alpn"
	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/client/dialer"
	"github.com/trust0/trust0/internal/cliservice"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/model"
	"github.com/trust0/trust0/internal/proxy"
	"github.com/trust0/trust0/internal/proxyexec"
	"github.com/trust0/trust0/internal/udpsrv"
	"github.com/trust0/trust0/internal/wire"
)

// App owns the client's control-plane connection plus every locally
// started service proxy.
type App struct {
	log      logging.Logger
	dialer   *dialer.Dialer
	manager  *cliservice.Manager
	events   chan proxy.Event
	execEvts chan proxy.ExecutorEvent
	executor *proxyexec.Executor
}

// New builds an App. Callers must call Run(ctx) once to drive the proxy
// executor and event bus before issuing any service proxy.
func New(log logging.Logger, d *dialer.Dialer) *App {
	registry := proxy.NewRegistry()
	events := make(chan proxy.Event, 64)
	execEvts := make(chan proxy.ExecutorEvent, 64)
	return &App{
		log:      log,
		dialer:   d,
		manager:  cliservice.NewManager(log, registry, execEvts),
		events:   events,
		execEvts: execEvts,
		executor: proxyexec.New(log, events),
	}
}

// Run drives the proxy executor and the service manager's event loop until
// ctx is canceled. Call it in its own goroutine.
func (a *App) Run(ctx context.Context) {
	go a.manager.PollProxyEvents(a.events)
	a.executor.Run(ctx, a.execEvts)
}

// controlPlaneRequest opens one short-lived control-plane session, sends a
// single command line, and returns the decoded response.
func (a *App) controlPlaneRequest(ctx context.Context, line string) (wire.Response, error) {
	conn, err := a.dialer.Dial(ctx, alpn.ControlPlaneProtocol)
	if err != nil {
		return wire.Response{}, err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return wire.Response{}, apperr.Wrap(apperr.KindIO, err, "writing control-plane request")
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return wire.Response{}, apperr.Wrap(apperr.KindIO, err, "reading control-plane response")
		}
		return wire.Response{}, apperr.New(apperr.KindIO, "control-plane connection closed without a response")
	}
	var resp wire.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return wire.Response{}, apperr.Wrap(apperr.KindGeneral, err, "decoding control-plane response")
	}
	return resp, nil
}

// Services lists the services the authenticated user may access.
func (a *App) Services(ctx context.Context) (wire.Response, error) {
	return a.controlPlaneRequest(ctx, "SERVICES")
}

// Ping exercises the control plane's liveness check.
func (a *App) Ping(ctx context.Context) (wire.Response, error) {
	return a.controlPlaneRequest(ctx, "PING")
}

// Connect requests the gateway start (or reuse) a proxy for serviceID, then
// starts a local listener of the given transport/port that tunnels accepted
// traffic to the gateway over a fresh service-plane TLS connection per
// tunnel. It blocks serving that listener until ctx is canceled.
func (a *App) Connect(ctx context.Context, serviceID uint64, transport model.Transport, localPort uint16) error {
	resp, err := a.controlPlaneRequest(ctx, fmt.Sprintf("CONNECT %d", serviceID))
	if err != nil {
		return err
	}
	if resp.Code != 200 {
		return apperr.Newf(apperr.KindGeneral, "CONNECT %d rejected: %d %s", serviceID, resp.Code, resp.Message)
	}
	var data wire.ConnectData
	if b, err := json.Marshal(resp.Data); err == nil {
		json.Unmarshal(b, &data)
	}

	addrs := model.ProxyAddrs{ClientPort: localPort, GatewayHost: data.GatewayHost, GatewayPort: data.GatewayPort}
	service := model.Service{ServiceID: serviceID, Transport: transport}
	if _, err := a.manager.Startup(service, addrs); err != nil {
		return err
	}

	if transport == model.TransportUDP {
		return a.serveUDP(ctx, serviceID, localPort)
	}
	return a.serveTCP(ctx, serviceID, localPort)
}

func (a *App) serveTCP(ctx context.Context, serviceID uint64, localPort uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "binding local service listener")
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	a.log.Infof("local proxy listening: service=%d port=%d", serviceID, localPort)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperr.Wrap(apperr.KindIO, err, "accepting local connection")
		}
		go a.bridgeTCP(ctx, serviceID, conn)
	}
}

func (a *App) bridgeTCP(ctx context.Context, serviceID uint64, local net.Conn) {
	gatewayConn, err := a.dialer.Dial(ctx, alpn.ServiceProtocol(serviceID))
	if err != nil {
		a.log.Warnf("dialing gateway for service %d failed: %s", serviceID, err)
		local.Close()
		return
	}

	key := proxy.NewKey()
	if err := a.manager.RegisterConnection(serviceID, key); err != nil {
		a.log.Warnf("registering tunnel failed: %s", err)
		local.Close()
		gatewayConn.Close()
		return
	}

	a.execEvts <- proxy.ExecutorEvent{
		Kind:             proxy.ExecOpenTCP,
		Key:              key,
		ServiceID:        serviceID,
		UpstreamStream:   local,
		DownstreamStream: gatewayConn,
	}
}

// serveUDP runs one shared UDP socket for serviceID, synthesizing a session
// (and a fresh gateway tunnel) per unseen peer address (spec §4.4).
func (a *App) serveUDP(ctx context.Context, serviceID uint64, localPort uint16) error {
	dial := func() (net.Conn, error) {
		return a.dialer.Dial(ctx, alpn.ServiceProtocol(serviceID))
	}
	sessions := udpsrv.NewSessionManager(a.log, serviceID, dial, a.execEvts, a.manager)
	srv, err := udpsrv.New(a.log, sessions, localPort)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "building local UDP listener")
	}
	sessions.BindServer(srv)

	if err := srv.BindListener(); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "binding local UDP listener")
	}
	go func() {
		<-ctx.Done()
		sessions.RequestShutdown()
		srv.Shutdown()
	}()

	a.log.Infof("local UDP proxy listening: service=%d port=%d", serviceID, localPort)
	return srv.PollNewMessages()
}
