package main

import (
	"fmt"
	"os"

	ucli "github.com/urfave/cli/v2"

	"github.com/hotspot-os/provisioner/cli"
	"github.com/hotspot-os/provisioner/constants"
)

func main() {
	app := &ucli.App{
		Name:     constants.AppName,
		Usage:    "probe, flash and configure hotspot boards",
		Commands: cli.Commands(),
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(constants.ExitError)
	}
}
