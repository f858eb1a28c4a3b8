// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/certfile/lib/cli"
	"github.com/bureau-foundation/certfile/lib/version"
)

func versionCommand() *cli.Command {
	var outputJSON bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print the certfile build version",
		Usage:   "certfile version [--json]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flags.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			info := version.Current()
			if outputJSON {
				return cli.WriteJSON(info)
			}
			fmt.Println(info.String())
			return nil
		},
	}
}
