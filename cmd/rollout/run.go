package main

import (
	"github.com/spf13/cobra"
	"vinr.eu/rollout/internal/pipeline"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	var commit, sourceDir string
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Build, publish, transfer, deploy and promote in one go",
		Long: "Runs every stage of a pipeline in order and stops at the first failure.\n" +
			"Without --source-dir the pipeline's source repository is fetched into the workspace.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			if commit == "" {
				commit = a.cfg.CommitSHA
			}
			run, err := a.runner.Run(ctx, pipeline.Request{
				Pipeline:  args[0],
				Commit:    commit,
				SourceDir: sourceDir,
			})
			if run != nil {
				if perr := printJSON(cmd.OutOrStdout(), run); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "commit being deployed (default $GITHUB_SHA)")
	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "use this checkout instead of fetching the source")
	return cmd
}
