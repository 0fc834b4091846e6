package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"vinr.eu/rollout/internal/topology"
)

func newValidateCommand() *cobra.Command {
	var env, repository string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a compose descriptor against the rules of its environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := topology.ParseVariant(env)
			if err != nil {
				return err
			}
			doc, err := topology.Load(args[0])
			if err != nil {
				return err
			}
			report := topology.Validate(doc.Descriptor, topology.Options{
				Variant:    variant,
				Repository: repository,
			})
			w := cmd.OutOrStdout()
			for _, f := range report.Findings {
				fmt.Fprintf(w, "%s: %s\n", f.Severity, f)
			}
			if vars := topology.Placeholders(doc.Raw); len(vars) > 0 {
				fmt.Fprintf(w, "variables: %s\n", strings.Join(vars, ", "))
			}
			if err := report.Err(); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s is a valid %s descriptor\n", doc.Path, variant)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "prod", "descriptor environment, dev or prod")
	cmd.Flags().StringVar(&repository, "repository", "", "published image repository that dev must not pull")
	return cmd
}
