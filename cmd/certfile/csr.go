// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/certfile/lib/cli"
	"github.com/bureau-foundation/certfile/lib/clock"
	"github.com/bureau-foundation/certfile/lib/csrgen"
	"github.com/bureau-foundation/certfile/lib/filestate"
	"github.com/bureau-foundation/certfile/lib/reconcile"
	"github.com/bureau-foundation/certfile/lib/secret"
	"github.com/bureau-foundation/certfile/lib/specfile"
)

type csrParams struct {
	Path          string `flag:"path" desc:"CSR file to reconcile"`
	SpecFile      string `flag:"spec" desc:"desired spec file (YAML or JSON/JSONC)"`
	State         string `flag:"state" default:"present" desc:"target state: present or absent"`
	Force         bool   `flag:"force" desc:"regenerate even when the existing file matches"`
	Check         bool   `flag:"check" desc:"report what would change without touching the file"`
	Backup        bool   `flag:"backup" desc:"keep a timestamped backup before overwriting or removing"`
	ReturnContent bool   `flag:"return-content" desc:"include the resulting PEM in the outcome"`
	JSON          bool   `flag:"json" desc:"write the outcome record as JSON to stdout"`
	Verbose       bool   `flag:"verbose,v" desc:"debug logging"`

	// Spot overrides applied on top of the spec file.
	CommonName     string `flag:"common-name" desc:"override the subject common name"`
	Key            string `flag:"key" desc:"override the signing key path"`
	PassphraseFile string `flag:"passphrase-file" desc:"override the passphrase source (path, -, prompt, or .age file)"`
	AgeIdentity    string `flag:"age-identity" desc:"identity file for age-sealed passphrase sources"`
}

// csrOutcome is the JSON record written by --json. Content travels as
// a string field named "csr" so the PEM is readable in the output.
type csrOutcome struct {
	Changed    bool           `json:"changed"`
	Path       string         `json:"path"`
	BackupFile string         `json:"backup_file,omitempty"`
	Digest     string         `json:"digest,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
	CSR        string         `json:"csr,omitempty"`
}

func csrCommand() *cli.Command {
	var params csrParams
	return &cli.Command{
		Name:    "csr",
		Summary: "Reconcile a certificate signing request file",
		Description: "Converges the CSR at --path to the desired spec: generates it when\n" +
			"missing, corrupt, or mismatched, removes it for --state absent, and\n" +
			"reports changed=false when the file already satisfies the spec.",
		Usage: "certfile csr --path FILE [flags]",
		Examples: []cli.Example{
			{
				Description: "Converge a web server CSR from a spec file",
				Command:     "certfile csr --path /etc/ssl/req/web.csr --spec web-csr.yaml",
			},
			{
				Description: "Preview what would change, as JSON",
				Command:     "certfile csr --path /etc/ssl/req/web.csr --spec web-csr.yaml --check --json",
			},
			{
				Description: "Quick ad-hoc request without a spec file",
				Command:     "certfile csr --path dev.csr --common-name dev.example.com --key dev.key",
			},
			{
				Description: "Remove a retired CSR, keeping a backup",
				Command:     "certfile csr --path /etc/ssl/req/old.csr --state absent --backup",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("csr", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			return runCSR(&params)
		},
	}
}

func runCSR(params *csrParams) error {
	if params.Path == "" {
		return cli.Validation("--path is required")
	}
	state, err := reconcile.ParseTargetState(params.State)
	if err != nil {
		return cli.Validation("%v", err)
	}

	spec := &csrgen.Spec{}
	if params.SpecFile != "" {
		spec, err = specfile.Load(params.SpecFile)
		if err != nil {
			return cli.Validation("%v", err)
		}
	}
	if params.CommonName != "" {
		spec.Subject.CommonName = params.CommonName
	}
	if params.Key != "" {
		spec.Key.Path = params.Key
	}
	if params.PassphraseFile != "" {
		spec.Key.Passphrase = params.PassphraseFile
	}
	if params.AgeIdentity != "" {
		spec.Key.AgeIdentity = params.AgeIdentity
	}

	logger := cli.NewCommandLogger(params.Verbose).With(
		"command", "csr",
		"path", params.Path,
	)

	passphrase, err := secret.FromSource(spec.Key.Passphrase, spec.Key.AgeIdentity)
	if err != nil {
		return cli.NotFound("reading passphrase: %v", err)
	}
	if passphrase != nil {
		defer passphrase.Close()
	}

	// A removal run never parses, compares, or builds an artifact, so
	// it needs neither a valid spec nor a signing key.
	var backend *csrgen.Backend
	if state == reconcile.Absent {
		backend = &csrgen.Backend{}
	} else {
		backend, err = csrgen.New(*spec, passphrase)
		if err != nil {
			return categorize(err)
		}
	}

	mode := reconcile.Apply
	if params.Check {
		mode = reconcile.Check
	}

	outcome, err := reconcile.Run(logger, backend, filestate.NewStore(clock.Real()), reconcile.Request{
		Path:          params.Path,
		State:         state,
		Force:         params.Force,
		Mode:          mode,
		CreateBackup:  params.Backup,
		ReturnContent: params.ReturnContent,
	})
	if err != nil {
		return categorize(err)
	}

	return reportCSROutcome(params, outcome)
}

// reportCSROutcome writes the outcome: a JSON record to stdout with
// --json, otherwise a short status line to stderr (and the PEM to
// stdout with --return-content).
func reportCSROutcome(params *csrParams, outcome *reconcile.Outcome) error {
	if params.JSON {
		return cli.WriteJSON(csrOutcome{
			Changed:    outcome.Changed,
			Path:       outcome.Path,
			BackupFile: outcome.BackupPath,
			Digest:     outcome.Digest,
			Summary:    outcome.Summary,
			CSR:        string(outcome.Content),
		})
	}

	status := "up to date"
	if outcome.Changed {
		status = "changed"
		if params.Check {
			status = "would change"
		}
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", outcome.Path, status)
	if outcome.BackupPath != "" {
		fmt.Fprintf(os.Stderr, "backup: %s\n", outcome.BackupPath)
	}
	if params.ReturnContent && len(outcome.Content) > 0 {
		os.Stdout.Write(outcome.Content)
	}
	return nil
}

// categorize maps the reconcile error taxonomy onto CLI error
// categories. The message text passes through unchanged.
func categorize(err error) error {
	switch {
	case errors.Is(err, reconcile.ErrInvalidSpec),
		errors.Is(err, reconcile.ErrUnsupportedOperation):
		return cli.Validation("%w", err)
	case errors.Is(err, reconcile.ErrTargetDirectoryMissing),
		errors.Is(err, reconcile.ErrSigningKeyUnavailable):
		return cli.NotFound("%w", err)
	case errors.Is(err, reconcile.ErrBackupFailed):
		return cli.Transient("%w", err)
	default:
		return cli.Internal("%w", err)
	}
}
