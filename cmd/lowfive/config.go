package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/diatomic/LowFive/internal/config"
)

var configCmdDef = cli.Command{
	Name:  "config",
	Usage: "Create or display configuration.",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "Write the default configuration to a file.",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:      "output",
					Aliases:   []string{"o"},
					Usage:     "Destination `FILE`",
					Value:     "lowfive.yaml",
					TakesFile: true,
				},
				&cli.BoolFlag{
					Name:  "force",
					Usage: "Overwrite an existing file",
				},
			},
			Action: cmdConfigInit,
		},
		{
			Name:   "show",
			Usage:  "Print the effective configuration after files, environment and flags.",
			Action: cmdConfigShow,
		},
	},
}

func cmdConfigInit(c *cli.Context) error {
	path := c.String("output")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.NewDefault().SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func cmdConfigShow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}
