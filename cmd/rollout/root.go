package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"vinr.eu/rollout/internal/logger"
)

type rootOptions struct {
	DefsDir string
	Debug   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:               "rollout",
		Short:             "Build an image, publish it and redeploy a compose service set over SSH",
		DisableAutoGenTag: true,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger.Init(cmd.ErrOrStderr(), opts.Debug)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.DefsDir, "defs", "", "directory with target and pipeline definitions (default $DEFS_DIR)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newBuildCommand(opts))
	cmd.AddCommand(newPublishCommand(opts))
	cmd.AddCommand(newTransferCommand(opts))
	cmd.AddCommand(newDeployCommand(opts))
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func Execute(ctx context.Context) error {
	return newRootCommand().ExecuteContext(ctx)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
