// Command cfdpd runs a file delivery daemon for one entity. It loads the
// YAML configuration, binds the configured transports and serves transfers
// until interrupted.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/stellarlink/cfdp/config"
	"github.com/stellarlink/cfdp/daemon"
	"github.com/stellarlink/cfdp/filestore"
	"github.com/stellarlink/cfdp/pdu"
	"github.com/stellarlink/cfdp/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "cfdpd"
	app.Usage = "reliable file delivery daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "path to the configuration file",
			Value: "/etc/cfdp/cfdpd.yaml",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the daemon and serve transfers until interrupted",
			Action: withConfig(handleRun),
		},
		{
			Name:   "check",
			Usage:  "validate the configuration file and exit",
			Action: withConfig(handleCheck),
		},
	}
	app.Action = withConfig(handleRun)

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("cfdpd failed")
	}
}

// withConfig loads and validates the configuration before invoking the
// handler.
func withConfig(handler func(*cli.Context, *config.Config) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := config.Load(ctx.GlobalString("config"))
		if err != nil {
			return err
		}
		if cfg.LogLevel != "" {
			level, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return errors.Wrapf(err, "bad log level %q", cfg.LogLevel)
			}
			logrus.SetLevel(level)
		}
		return handler(ctx, cfg)
	}
}

func handleCheck(ctx *cli.Context, cfg *config.Config) error {
	fmt.Printf("ok: entity %d, %d transport(s)\n", cfg.EntityID, len(cfg.Transports))
	return nil
}

func handleRun(_ *cli.Context, cfg *config.Config) error {
	store, err := filestore.NewNativeFileStore(cfg.Root)
	if err != nil {
		return err
	}

	d := daemon.New(pdu.EntityID(cfg.EntityID), store, cfg.Transaction())
	closers, err := bindTransports(d, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(runCtx)

	logrus.WithFields(logrus.Fields{
		"entity": cfg.EntityID,
		"root":   cfg.Root,
	}).Info("cfdpd running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logrus.WithField("signal", s).Info("shutting down")

	cancel()
	<-d.Done()
	return nil
}

// bindTransports builds each configured transport and registers it with the
// daemon. The returned closers release the sockets after shutdown.
func bindTransports(d *daemon.Daemon, cfg *config.Config) ([]interface{ Close() error }, error) {
	var closers []interface{ Close() error }
	for _, tc := range cfg.Transports {
		entities := make([]pdu.EntityID, 0, len(tc.Peers))
		for id := range tc.Peers {
			entities = append(entities, pdu.EntityID(id))
		}

		switch tc.Kind {
		case "udp":
			routes := make(map[pdu.EntityID]string, len(tc.Peers))
			for id, addr := range tc.Peers {
				routes[pdu.EntityID(id)] = addr
			}
			tr, err := transport.NewUDPTransport(tc.Listen, routes)
			if err != nil {
				return closers, err
			}
			closers = append(closers, tr)
			d.AddTransport(tr, entities...)
		case "stream":
			conn, err := net.Dial("tcp", tc.Dial)
			if err != nil {
				return closers, errors.Wrapf(err, "dialing stream line %s", tc.Dial)
			}
			tr := transport.NewStreamTransport(conn, entities)
			closers = append(closers, tr)
			d.AddTransport(tr, entities...)
		default:
			return closers, errors.Errorf("unknown transport kind %q", tc.Kind)
		}
	}
	return closers, nil
}
