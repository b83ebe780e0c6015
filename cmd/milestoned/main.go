package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "Milestoned"
	app.Usage = "Milestone governance and escrow settlement engine"
	app.Compiled = time.Now()

	cli.VersionPrinter = func(c *cli.Context) {
		printVersion()
	}

	// global flags
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "repo",
			Usage: "Milestoned storage repo path",
		},
	}

	app.Commands = []*cli.Command{
		configCMD,
		{
			Name:   "migrate",
			Usage:  "Create or update the database schema",
			Action: migrate,
		},
		{
			Name:   "start",
			Usage:  "Start a long-running daemon process",
			Action: start,
		},
		{
			Name:   "sweep",
			Usage:  "Run one resolution sweep now",
			Action: sweep,
		},
		milestoneCMD,
		ledgerCMD,
		{
			Name:    "version",
			Aliases: []string{"v"},
			Usage:   "Milestoned version",
			Action: func(ctx *cli.Context) error {
				printVersion()
				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
