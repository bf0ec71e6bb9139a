// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/azmanagers/command"
	"github.com/hashicorp/azmanagers/version"
)

func main() {
	versionString := fmt.Sprintf("azmanagers %s", version.GetHumanVersion())

	c := cli.NewCLI("azmanagers", versionString)
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"master": func() (cli.Command, error) {
			return &command.MasterCommand{Ctx: context.Background()}, nil
		},
		"addprocs": func() (cli.Command, error) {
			return &command.AddProcsCommand{Ctx: context.Background()}, nil
		},
		"rmprocs": func() (cli.Command, error) {
			return &command.RmProcsCommand{Ctx: context.Background()}, nil
		},
		"detach": func() (cli.Command, error) {
			return &command.DetachCommand{Ctx: context.Background()}, nil
		},
		"detach-at": func() (cli.Command, error) {
			return &command.DetachCommand{Ctx: context.Background(), DefaultNoWait: true}, nil
		},
		"version": func() (cli.Command, error) {
			return &command.VersionCommand{Version: versionString}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %v\n", err)
	}
	os.Exit(exitCode)
}
