// Command sowhich resolves a shared object name to the file the
// runtime loader would pick, tracing the attempts on request.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	ldso "github.com/appsworld/go-ldso"
)

func main() {
	app := &cli.App{
		Name:      "sowhich",
		Usage:     "resolve an ELF file from a shared object name",
		ArgsUsage: "soname",
		Description: "Attempt to resolve an ELF file from a given shared object " +
			"name, showing what shared object is resolved by what means.",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "trace resolving attempts while searching for the library",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.Bool("verbose") {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	}

	if c.NArg() != 1 {
		cli.ShowAppHelp(c)
		return cli.Exit("", 2)
	}

	path := ldso.Resolve(c.Args().First())
	if path == "" {
		return cli.Exit("", 1)
	}

	fmt.Println(path)
	return nil
}
