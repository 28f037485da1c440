// Command ldd lists the dynamic dependencies of an executable: a
// userspace rendition of ldd(1) that never maps or runs the binary,
// making it safe to use on untrusted files.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	ldso "github.com/appsworld/go-ldso"
)

func main() {
	app := &cli.App{
		Name:      "ldd",
		Usage:     "print the shared objects required by a dynamic executable",
		ArgsUsage: "executable",
		Description: "Output a complete list of the dynamic dependencies of the " +
			"executable passed as an argument, resolved with the same rules " +
			"the runtime loader applies, without ever running the binary.",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "trace resolving attempts while searching for the dependencies",
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

	libs, err := ldso.Ldd(c.Args().First())
	if err != nil {
		if errors.Is(err, ldso.ErrNotELF) {
			fmt.Println("\tnot a dynamic executable")
			return cli.Exit("", 1)
		}
		return err
	}

	fmt.Println(strings.Join(libs.LddFormat(), "\n"))
	return nil
}
