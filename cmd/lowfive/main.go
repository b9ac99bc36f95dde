package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/diatomic/LowFive/internal/config"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

const VERSION = "v0.3.0"

func makeApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "lowfive"
	app.Version = VERSION
	app.Usage = "Route, move and inspect in-situ HDF5-style data."
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Reader = stdin
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:      "config",
			Aliases:   []string{"c"},
			Usage:     "Load configuration from `FILE`",
			EnvVars:   []string{"LOWFIVE_CONFIG"},
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Override the log level (DEBUG, INFO, WARN, ERROR)",
		},
		&cli.StringFlag{
			Name:  "storage",
			Usage: "Override the pass-through store `URI` (mem://, file:///dir, s3://bucket/prefix)",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "Disable colored output",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("no-color") {
			color.NoColor = true
		}
		return nil
	}
	app.ExitErrHandler = exitErrHandler
	app.Commands = []*cli.Command{
		&routeCmdDef,
		&lsCmdDef,
		&consumeCmdDef,
		&replayCmdDef,
		&configCmdDef,
	}
	return app
}

// Called after a command returns a non-nil error value.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	if code := pkgerrors.CodeOf(err); code != "" {
		fmt.Fprintf(c.App.ErrWriter, "error [%s]: %s\n", code, err)
		return
	}
	fmt.Fprintf(c.App.ErrWriter, "error: %s\n", err)
}

// loadConfig layers defaults, the config file, LOWFIVE_* variables and the
// global flags, in that order.
func loadConfig(c *cli.Context) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path := c.String("config"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("storage") {
		cfg.Storage.URI = c.String("storage")
	}
	return cfg, nil
}

func main() {
	err := makeApp(os.Stdin, os.Stdout, os.Stderr).Run(os.Args)
	if err != nil {
		os.Exit(1)
	}
}
