// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command certfile converges cryptographic artifact files (today:
// certificate signing requests) to a declarative desired spec.
package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/certfile/lib/cli"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output return an ExitError
		// with the desired exit code. Don't print a redundant
		// "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().Execute(os.Args[1:])
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "certfile",
		Summary: "Converge X.509 artifact files to a declarative spec",
		Description: "certfile reconciles cryptographic artifact files on disk against\n" +
			"a desired specification: it regenerates a file when it is missing,\n" +
			"corrupt, or no longer matches the spec, and leaves it untouched\n" +
			"otherwise. Runs are idempotent and safe to repeat from cron or\n" +
			"configuration management.",
		Subcommands: []*cli.Command{
			csrCommand(),
			versionCommand(),
		},
	}
}
