package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"
)

// Ui is the cli.Ui used for communicating to the outside world, mirroring
// the package-level Ui convention of larger mitchellh/cli command trees.
var Ui cli.Ui

func init() {
	Ui = &cli.ColoredUi{
		ErrorColor: cli.UiColorRed,
		WarnColor:  cli.UiColorYellow,
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	app := cli.NewCLI("rendertree", "0.1.0")
	app.Args = os.Args[1:]
	app.Commands = commands()

	exitCode, err := app.Run()
	if err != nil {
		Ui.Error(fmt.Sprintf("error running rendertree: %s", err))
		return 1
	}
	return exitCode
}
