// Command gateway runs the Trust0 gateway process (spec §4.8/§6): it
// terminates mutual-TLS connections, demultiplexes them by ALPN into the
// control plane or a service tunnel, and forwards tunneled bytes to the
// backend named by the requested service.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/trust0/trust0/internal/alpn"
	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/gwapp"
	"github.com/trust0/trust0/internal/gwcrypto"
	"github.com/trust0/trust0/internal/gwservice"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/proxy"
	"github.com/trust0/trust0/internal/proxyexec"
	"github.com/trust0/trust0/internal/repo"
)

func main() {
	app := &cli.App{
		Name:  "trust0-gateway",
		Usage: "zero-trust service-access gateway",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Required: true},
			&cli.StringFlag{Name: "cert-file", Required: true},
			&cli.StringFlag{Name: "key-file", Required: true},
			&cli.StringFlag{Name: "auth-cert-file", Required: true},
			&cli.StringFlag{Name: "gateway-service-host", Required: true},
			&cli.StringFlag{Name: "gateway-service-ports", Usage: "START-END; omit for shared-port mode"},
			&cli.StringFlag{Name: "gateway-service-reply-host"},
			&cli.StringFlag{Name: "protocol-version"},
			&cli.StringFlag{Name: "cipher-suite"},
			&cli.StringSliceFlag{Name: "alpn-protocol"},
			&cli.BoolFlag{Name: "session-resumption"},
			&cli.BoolFlag{Name: "tickets"},
			&cli.BoolFlag{Name: "verbose"},
			&cli.BoolFlag{Name: "no-mask-addrs"},
			&cli.StringFlag{Name: "mode", Value: "control-plane"},
			&cli.StringFlag{Name: "crl-file"},
		},
		Commands: []*cli.Command{
			noDBCommand(),
			inMemoryDBCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		exitFor(err)
	}
}

func noDBCommand() *cli.Command {
	return &cli.Command{
		Name:  "no-db",
		Usage: "run with empty repositories (no services/users/access configured)",
		Action: func(c *cli.Context) error {
			return run(c, repo.NewInMemServiceRepo(), repo.NewInMemUserRepo(), repo.NewInMemAccessRepo())
		},
	}
}

func inMemoryDBCommand() *cli.Command {
	return &cli.Command{
		Name:  "in-memory-db",
		Usage: "run with repositories seeded from JSON files",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "access", Aliases: []string{"a"}, Required: true},
			&cli.StringFlag{Name: "service", Aliases: []string{"s"}, Required: true},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			services := repo.NewInMemServiceRepo()
			if err := services.Connect(c.String("service")); err != nil {
				return apperr.Wrap(apperr.KindConfig, err, "loading service repository")
			}
			users := repo.NewInMemUserRepo()
			if err := users.Connect(c.String("user")); err != nil {
				return apperr.Wrap(apperr.KindConfig, err, "loading user repository")
			}
			access := repo.NewInMemAccessRepo()
			if err := access.Connect(c.String("access")); err != nil {
				return apperr.Wrap(apperr.KindConfig, err, "loading access repository")
			}
			return run(c, services, users, access)
		},
	}
}

func run(c *cli.Context, services repo.ServiceRepository, users repo.UserRepository, access repo.AccessRepository) error {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	log := logging.New(level)

	allServices, err := services.GetAll()
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, err, "listing services")
	}

	protos := c.StringSlice("alpn-protocol")
	if len(protos) == 0 {
		protos = alpn.BuildProtocols(allServices)
	}

	tlsCfg, err := gwcrypto.BuildServerConfig(gwcrypto.Config{
		CertFile:          c.String("cert-file"),
		KeyFile:           c.String("key-file"),
		AuthCertFile:      c.String("auth-cert-file"),
		ProtocolVersion:   c.String("protocol-version"),
		CipherSuite:       c.String("cipher-suite"),
		ALPNProtocols:     protos,
		SessionResumption: c.Bool("session-resumption"),
		Tickets:           c.Bool("tickets"),
	})
	if err != nil {
		return err
	}

	if crlFile := c.String("crl-file"); crlFile != "" {
		checker := gwcrypto.NewChecker()
		refresher := gwcrypto.NewRefresher(log, crlFile, 30*time.Second, checker, func(err error) {
			log.Errorf("CRL refresh failed: %s", err)
		})
		go refresher.Run(c.Context)
		tlsCfg.VerifyPeerCertificate = revocationVerifier(checker)
	}

	registry := proxy.NewRegistry()
	execEvents := make(chan proxy.ExecutorEvent, 64)
	events := make(chan proxy.Event, 64)

	portRange, err := parsePortRange(c.String("gateway-service-ports"))
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, err, "parsing --gateway-service-ports")
	}
	var sharedPort *uint16
	if portRange == nil {
		p := uint16(c.Int("port"))
		sharedPort = &p
	}

	replyHost := c.String("gateway-service-reply-host")
	if replyHost == "" {
		replyHost = c.String("gateway-service-host")
	}
	manager := gwservice.NewManager(log, replyHost, sharedPort, portRange, registry, execEvents)

	deps := &gwapp.Deps{Users: users, Access: access, Services: services, Manager: manager}

	dispatcher := alpn.New(log, manager, gwapp.ControlPlane(log, deps), execEvents)
	server := gwapp.NewServer(log, dispatcher)

	executor := proxyexec.New(log, events)
	go executor.Run(c.Context, execEvents)
	go manager.PollProxyEvents(events)

	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", c.Int("port")), tlsCfg)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "binding gateway listener")
	}
	log.Infof("gateway listening on :%d", c.Int("port"))

	return server.Run(c.Context, ln)
}

func parsePortRange(spec string) (*gwservice.PortRange, error) {
	if spec == "" {
		return nil, nil
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected START-END, got %q", spec)
	}
	start, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid start port %q: %w", parts[0], err)
	}
	end, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid end port %q: %w", parts[1], err)
	}
	return &gwservice.PortRange{Start: uint16(start), End: uint16(end)}, nil
}

// revocationVerifier rejects a handshake whose leaf certificate serial is
// present in the gateway's currently loaded CRL (spec §4.10).
func revocationVerifier(checker *gwcrypto.Checker) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, chain := range verifiedChains {
			if len(chain) == 0 {
				continue
			}
			if checker.IsRevoked(chain[0].SerialNumber) {
				return apperr.New(apperr.KindAuth420, "client certificate has been revoked")
			}
		}
		return nil
	}
}

// exitFor maps an apperr.Kind to the process exit codes named in spec §6:
// 1 for configuration errors, 2 for I/O/bind failures, 3 for anything else
// fatal at startup.
func exitFor(err error) {
	if ae, ok := apperr.AsAppError(err); ok {
		switch ae.Kind() {
		case apperr.KindConfig:
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			os.Exit(1)
		case apperr.KindIO:
			fmt.Fprintln(os.Stderr, "I/O error:", err)
			os.Exit(2)
		}
	}
	fmt.Fprintln(os.Stderr, "fatal error:", err)
	os.Exit(3)
}
