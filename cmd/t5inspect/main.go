// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// t5inspect renders the artifacts persisted by a t5train run: the configuration snapshot, the input
// arguments, the device mesh, the checkpoints and the tracked metrics.
package main

import (
	gocontext "context"
	"flag"
	"io"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/t5train/internal/artifacts"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

type options struct {
	summary, args, mesh, vars, metrics bool
	scope, checkpoint                  string
	lastMetrics                        int
	gcloudProject                      string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "t5inspect [flags] <save_dir>",
		Short: "Inspect the artifacts and checkpoints of a t5train run",
		Long: `t5inspect renders what a t5train run persisted in its save directory
(<outputs_path>/<exp_name>/shard_<process_index>).

Without flags it displays the summary.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), out, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.summary, "summary", false, "Display a summary of the run and of its checkpoints.")
	flags.BoolVar(&opts.args, "args", false, "List the input arguments of the run.")
	flags.BoolVar(&opts.mesh, "mesh", false, "Display the device mesh of the run.")
	flags.BoolVar(&opts.vars, "vars", false, "List the variables under --scope of the checkpoint selected with --checkpoint.")
	flags.BoolVar(&opts.metrics, "metrics", false, "List the tracked metrics.")
	flags.IntVar(&opts.lastMetrics, "last", 20, "Number of most recent records listed by --metrics. 0 lists all.")
	flags.StringVar(&opts.scope, "scope", "/model", "Scope of the variables considered by --summary and --vars.")
	flags.StringVar(&opts.checkpoint, "checkpoint", "latest", `Checkpoint listed by --vars: "latest" or "best".`)
	flags.StringVar(&opts.gcloudProject, "gcloud-project", "", "Billing project for gs:// save directories.")
	return cmd
}

func inspect(ctx gocontext.Context, out io.Writer, saveDir string, opts *options) error {
	if ctx == nil {
		ctx = gocontext.Background()
	}
	if !opts.summary && !opts.args && !opts.mesh && !opts.vars && !opts.metrics {
		opts.summary = true
	}
	in := &inspector{
		w:       out,
		fs:      storage.New(storage.Options{GCloudProject: opts.gcloudProject}),
		saveDir: saveDir,
		scope:   opts.scope,
	}
	var manifest *artifacts.Manifest
	if opts.summary || opts.args || opts.mesh {
		var err error
		if manifest, err = artifacts.Load(ctx, in.fs, saveDir); err != nil {
			return err
		}
	}
	if (opts.summary || opts.vars) && storage.IsRemote(saveDir) {
		return errors.Errorf("checkpoints can only be read from a local directory, not %q", saveDir)
	}

	if opts.summary {
		if err := in.Summary(manifest); err != nil {
			return err
		}
	}
	if opts.args {
		in.Args(manifest)
	}
	if opts.mesh {
		in.Mesh(manifest)
	}
	if opts.vars {
		var backend backends.Backend
		err := exceptions.TryCatch[error](func() { backend = backends.MustNew() })
		if err != nil {
			return errors.WithMessagef(err, "failed to create backend")
		}
		defer backend.Finalize()
		if err = in.Vars(backend, opts.checkpoint); err != nil {
			return err
		}
	}
	if opts.metrics {
		if err := in.Metrics(ctx, opts.lastMetrics); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	cmd := newRootCmd(os.Stdout)
	cmd.Flags().AddFlagSet(pflag.CommandLine)
	if err := cmd.ExecuteContext(gocontext.Background()); err != nil {
		klog.Fatalf("t5inspect: %+v", err)
	}
}
