package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/pkg/types"
)

var routeCmdDef = cli.Command{
	Name:      "route",
	Usage:     "Explain how an object would be routed.",
	ArgsUsage: "FILE [OBJECT]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "op",
			Usage: "Operation class to decide for (structural, read, write)",
			Value: cli.NewStringSlice("structural"),
		},
		&cli.BoolFlag{
			Name:  "rules",
			Usage: "List the configured rules in evaluation order",
		},
	},
	Action: cmdRoute,
}

func modeColor(m types.Mode) *color.Color {
	switch m {
	case types.ModeMemory:
		return color.New(color.FgGreen, color.Bold)
	case types.ModeRemote:
		return color.New(color.FgCyan, color.Bold)
	default:
		return color.New(color.FgYellow, color.Bold)
	}
}

func yesNo(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return "no"
}

func cmdRoute(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	engine, err := cfg.Routing.BuildEngine()
	if err != nil {
		return err
	}
	w := c.App.Writer

	if c.Bool("rules") {
		fmtBold := color.New(color.Bold)
		fmtBold.Fprintf(w, "%-4s %-9s %-24s %-24s %-9s %s\n", "#", "CATEGORY", "FILE", "OBJECT", "MODE", "OPS")
		for i, r := range engine.Statuses() {
			mode := r.Mode
			if r.Channel != "" {
				mode = "-> " + r.Channel
			}
			fmt.Fprintf(w, "%-4d %-9s %-24s %-24s %-9s %s\n", i, r.Category, r.File, r.Object, mode, r.Ops)
		}
		if c.NArg() == 0 {
			return nil
		}
		fmt.Fprintln(w)
	}

	if c.NArg() < 1 || c.NArg() > 2 {
		return fmt.Errorf("route needs a file and an optional object path")
	}
	file := c.Args().Get(0)
	object := "/"
	if c.NArg() == 2 {
		object = c.Args().Get(1)
	}
	op, err := types.ParseOpClasses(c.StringSlice("op"))
	if err != nil {
		return err
	}

	d := engine.Decide(object, file, op)
	fmt.Fprintf(w, "%s %s (%s)\n", color.New(color.Bold).Sprint("object:"), object, file)
	fmt.Fprintf(w, "  ops:      %s\n", op)
	fmt.Fprintf(w, "  mode:     %s\n", modeColor(d.Mode).Sprint(d.Mode))
	fmt.Fprintf(w, "  rule:     %s\n", describeRoute(d))
	fmt.Fprintf(w, "  mirror:   %s\n", yesNo(d.Mirror))
	fmt.Fprintf(w, "  zerocopy: %s\n", yesNo(d.Zerocopy))
	if d.Mode == types.ModeRemote {
		ch := d.Channel
		if ch == "" {
			ch = "(default channel)"
		}
		fmt.Fprintf(w, "  channel:  %s\n", ch)
	}
	return nil
}

func describeRoute(d routing.Decision) string {
	if d.Route == nil {
		return "none matched, pass-through"
	}
	s := d.Route.Status()
	return fmt.Sprintf("%s %s -> %s", s.File, s.Object, s.Mode)
}
