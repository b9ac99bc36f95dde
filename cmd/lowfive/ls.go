package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/diatomic/LowFive/internal/adapter"
	"github.com/diatomic/LowFive/internal/config"
	"github.com/diatomic/LowFive/internal/passthru"
	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/pkg/utils"
)

var lsCmdDef = cli.Command{
	Name:      "ls",
	Usage:     "List the files held by the pass-through store.",
	ArgsUsage: "[PATTERN]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "tree",
			Aliases: []string{"t"},
			Usage:   "Print the hierarchy of every listed file",
		},
	},
	Action: cmdLs,
}

func openStore(c *cli.Context, cfg *config.Configuration) (*passthru.Store, func() error, error) {
	backend, err := adapter.OpenBackend(c.Context, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	closer := func() error { return nil }
	if cl, ok := backend.(io.Closer); ok {
		closer = cl.Close
	}
	return passthru.New(backend, passthru.Config{Logger: utils.NewNopLogger()}), closer, nil
}

func cmdLs(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pattern := routing.MustCompile("*")
	if c.NArg() > 0 {
		if pattern, err = routing.Compile(c.Args().First()); err != nil {
			return err
		}
	}

	store, closeStore, err := openStore(c, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	files, err := store.Files(c.Context)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmtFile := color.New(color.FgBlue, color.Bold)
	listed := 0
	for _, name := range files {
		if !pattern.MatchFile(name) {
			continue
		}
		listed++
		if !c.Bool("tree") {
			fmtFile.Fprintln(w, name)
			continue
		}
		f, err := store.Load(c.Context, name)
		if err != nil {
			return err
		}
		f.Lock()
		err = f.Print(w)
		f.Unlock()
		if err != nil {
			return err
		}
	}
	if listed == 0 && c.NArg() > 0 {
		return fmt.Errorf("no stored file matches %q", c.Args().First())
	}
	return nil
}
