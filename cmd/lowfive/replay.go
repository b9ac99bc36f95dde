package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/diatomic/LowFive/internal/adapter"
	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/internal/transport"
	"github.com/diatomic/LowFive/pkg/utils"
)

var replayCmdDef = cli.Command{
	Name:      "replay",
	Usage:     "Send files from the pass-through store to a consumer in one round.",
	ArgsUsage: "PATTERN...",
	Flags: append(transportFlags("producer", "consumer"),
		&cli.BoolFlag{
			Name:  "keep-session",
			Usage: "Do not announce the end of the session after the round",
		},
	),
	Action: cmdReplay,
}

func cmdReplay(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("replay needs at least one file pattern")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyTransportFlags(c, cfg)
	if cfg.Transport.Listen == "" && cfg.Transport.Connect == "" {
		return fmt.Errorf("replay needs --listen or --connect")
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Stop(c.Context)
	store := a.Connector().Store()

	stored, err := store.Files(ctx)
	if err != nil {
		return err
	}
	var files []*metadata.File
	for _, arg := range c.Args().Slice() {
		pattern, err := routing.Compile(arg)
		if err != nil {
			return err
		}
		matched := false
		for _, name := range stored {
			if !pattern.MatchFile(name) {
				continue
			}
			f, err := store.Fetch(ctx, name)
			if err != nil {
				return err
			}
			files = append(files, f)
			matched = true
		}
		if !matched {
			return fmt.Errorf("no stored file matches %q", arg)
		}
	}

	ch, err := a.OpenChannel(ctx, transport.RoleProducer)
	if err != nil {
		return err
	}
	rctx, cancel := a.RoundContext(ctx)
	defer cancel()
	rep, err := ch.Send(rctx, files)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "round %d sent: %d file(s), %d segment(s), %s in %s\n",
		rep.Seq, rep.Files, rep.Segments, utils.FormatBytes(rep.Bytes), rep.Duration)

	if c.Bool("keep-session") {
		return nil
	}
	return ch.Finish(ctx)
}
