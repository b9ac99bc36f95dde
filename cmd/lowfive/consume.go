package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/diatomic/LowFive/internal/adapter"
	"github.com/diatomic/LowFive/internal/transport"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/utils"
)

var consumeCmdDef = cli.Command{
	Name:  "consume",
	Usage: "Receive rounds from a producer and hold the files in memory.",
	Flags: append(transportFlags("consumer", "producer"),
		&cli.IntFlag{
			Name:  "rounds",
			Usage: "Stop after `N` rounds (0 waits for the producer to finish)",
		},
		&cli.BoolFlag{
			Name:  "save",
			Usage: "Write every received file to the pass-through store",
		},
		&cli.BoolFlag{
			Name:  "print",
			Usage: "Print the hierarchy of every received file",
		},
		&cli.StringFlag{
			Name:  "api",
			Usage: "Serve the diagnostics API on `ADDR`",
		},
		&cli.StringFlag{
			Name:      "mount",
			Usage:     "Mount the received files read-only at `DIR`",
			TakesFile: true,
		},
		&cli.BoolFlag{
			Name:  "hold",
			Usage: "Keep serving diagnostics after the session until interrupted",
		},
	),
	Action: cmdConsume,
}

func cmdConsume(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyTransportFlags(c, cfg)
	if cfg.Transport.Listen == "" && cfg.Transport.Connect == "" {
		return fmt.Errorf("consume needs --listen or --connect")
	}
	if c.IsSet("api") {
		cfg.API.Enabled = true
		cfg.API.Address = c.String("api")
	}
	if c.IsSet("mount") {
		cfg.Inspect.MountPoint = c.String("mount")
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Stop(c.Context)
	if err := a.Start(ctx); err != nil {
		return err
	}

	ch, err := a.OpenChannel(ctx, transport.RoleConsumer)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmtRound := color.New(color.FgCyan, color.Bold)
	limit := c.Int("rounds")
	for n := 1; limit == 0 || n <= limit; n++ {
		rctx, cancel := a.RoundContext(ctx)
		round, err := a.Connector().Receive(rctx, ch.Name())
		if err == nil {
			err = round.Wait(rctx)
		}
		cancel()
		if pkgerrors.IsCode(err, pkgerrors.ErrCodeSessionDone) {
			fmt.Fprintln(w, "producer finished the session")
			break
		}
		if err != nil {
			return err
		}

		fmtRound.Fprintf(w, "round %d", round.Seq)
		fmt.Fprintf(w, ": %d file(s), %s\n", len(round.Files), utils.FormatBytes(round.Bytes()))
		for _, f := range round.Files {
			fmt.Fprintf(w, "  %s\n", f.Path())
			if c.Bool("print") {
				f.Lock()
				err = f.Print(w)
				f.Unlock()
				if err != nil {
					return err
				}
			}
			if c.Bool("save") {
				if err := a.Connector().Save(ctx, f.Path()); err != nil {
					return err
				}
			}
		}
	}

	if c.Bool("hold") && (cfg.API.Enabled || cfg.Inspect.MountPoint != "") {
		fmt.Fprintln(w, "holding; interrupt to exit")
		<-ctx.Done()
	}
	return nil
}
