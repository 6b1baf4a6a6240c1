// Command client runs the Trust0 client process (spec §4.7/§6): it dials
// the gateway's control plane over mutual TLS, and on request starts a
// local listener tunneling application traffic to a named service.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/cliapp"
	"github.com/trust0/trust0/internal/client/dialer"
	"github.com/trust0/trust0/internal/gwcrypto"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/model"
)

func main() {
	app := &cli.App{
		Name:  "trust0-client",
		Usage: "zero-trust service-access client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "gateway-host", Required: true},
			&cli.IntFlag{Name: "port", Required: true},
			&cli.StringFlag{Name: "cert-file", Required: true},
			&cli.StringFlag{Name: "key-file", Required: true},
			&cli.StringFlag{Name: "auth-cert-file", Required: true},
			&cli.StringFlag{Name: "protocol-version"},
			&cli.StringFlag{Name: "cipher-suite"},
			&cli.BoolFlag{Name: "session-resumption"},
			&cli.BoolFlag{Name: "tickets"},
			&cli.IntFlag{Name: "max-retry-count", Value: -1, Usage: "number of times to retry a failed gateway dial before giving up; negative means retry forever"},
			&cli.BoolFlag{Name: "verbose"},
		},
		Commands: []*cli.Command{
			servicesCommand(),
			connectCommand(),
			pingCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		exitFor(err)
	}
}

func buildApp(c *cli.Context) (*cliapp.App, error) {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	log := logging.New(level)

	tlsCfg, err := gwcrypto.BuildClientConfig(gwcrypto.Config{
		CertFile:          c.String("cert-file"),
		KeyFile:           c.String("key-file"),
		AuthCertFile:      c.String("auth-cert-file"),
		ProtocolVersion:   c.String("protocol-version"),
		CipherSuite:       c.String("cipher-suite"),
		SessionResumption: c.Bool("session-resumption"),
		Tickets:           c.Bool("tickets"),
	}, c.String("gateway-host"))
	if err != nil {
		return nil, err
	}

	d := dialer.New(log, dialer.Config{
		GatewayAddr:   fmt.Sprintf("%s:%d", c.String("gateway-host"), c.Int("port")),
		TLSConfig:     tlsCfg,
		MaxRetryCount: c.Int("max-retry-count"),
	})

	a := cliapp.New(log, d)
	go a.Run(c.Context)
	return a, nil
}

func servicesCommand() *cli.Command {
	return &cli.Command{
		Name: "services",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			resp, err := a.Services(c.Context)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func pingCommand() *cli.Command {
	return &cli.Command{
		Name: "ping",
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			resp, err := a.Ping(c.Context)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:      "connect",
		Usage:     "connect <service-id> <local-port>",
		ArgsUsage: "<service-id> <local-port>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transport", Value: "tcp"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return apperr.New(apperr.KindConfig, "connect requires <service-id> <local-port>")
			}
			serviceID, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
			if err != nil {
				return apperr.Wrap(apperr.KindConfig, err, "invalid service id")
			}
			localPort, err := strconv.ParseUint(c.Args().Get(1), 10, 16)
			if err != nil {
				return apperr.Wrap(apperr.KindConfig, err, "invalid local port")
			}
			transport := model.TransportTCP
			if c.String("transport") == "udp" {
				transport = model.TransportUDP
			}

			a, err := buildApp(c)
			if err != nil {
				return err
			}
			return a.Connect(c.Context, serviceID, transport, uint16(localPort))
		},
	}
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// exitFor maps an apperr.Kind to the process exit codes named in spec §6.
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
