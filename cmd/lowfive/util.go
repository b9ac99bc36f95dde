package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/diatomic/LowFive/internal/config"
)

func transportFlags(group, remote string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Accept the peer on `ADDR`",
		},
		&cli.StringFlag{
			Name:  "connect",
			Usage: "Dial the peer at `ADDR`",
		},
		&cli.StringFlag{
			Name:  "group",
			Usage: "Local process group id",
			Value: group,
		},
		&cli.StringFlag{
			Name:  "remote-group",
			Usage: "Remote process group id",
			Value: remote,
		},
		&cli.BoolFlag{
			Name:  "compress",
			Usage: "Compress bulk segments",
		},
	}
}

// applyTransportFlags overrides the transport section with the flags that
// were set; the group defaults apply only when the configuration left the
// stock values in place.
func applyTransportFlags(c *cli.Context, cfg *config.Configuration) {
	def := config.NewDefault().Transport
	tc := &cfg.Transport
	if c.IsSet("listen") {
		tc.Listen = c.String("listen")
		tc.Connect = ""
	}
	if c.IsSet("connect") {
		tc.Connect = c.String("connect")
		tc.Listen = ""
	}
	if c.IsSet("group") || tc.Group == def.Group {
		tc.Group = c.String("group")
	}
	if c.IsSet("remote-group") || tc.RemoteGroup == def.RemoteGroup {
		tc.RemoteGroup = c.String("remote-group")
	}
	if c.IsSet("compress") {
		tc.Compress = c.Bool("compress")
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
