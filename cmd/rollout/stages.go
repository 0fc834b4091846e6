package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"vinr.eu/rollout/internal/defs"
	"vinr.eu/rollout/internal/image"
)

var errImageNotFound = errors.New("image not found in registry")

// stageTarget is what the single-stage commands share: a pipeline and the
// immutable reference they act on.
type stageTarget struct {
	app      *app
	pipeline *defs.Pipeline
	target   *defs.Target
	ref      image.Reference
}

func resolveStage(cmd *cobra.Command, root *rootOptions, name, tag string) (*stageTarget, error) {
	a, err := newApp(cmd.Context(), root)
	if err != nil {
		return nil, err
	}
	p, t, err := a.store.Lookup(name)
	if err != nil {
		return nil, err
	}
	if tag == "" {
		tag = image.BuildTag(a.cfg.CommitSHA, "")
	}
	ref, err := image.ParseReference(p.Image.Repository, tag, a.publisher.NameOptions()...)
	if err != nil {
		return nil, err
	}
	return &stageTarget{app: a, pipeline: p, target: t, ref: ref}, nil
}

func newBuildCommand(root *rootOptions) *cobra.Command {
	var tag, sourceDir, outDir string
	cmd := &cobra.Command{
		Use:   "build <pipeline>",
		Short: "Build the image with the layer cache disabled and save it as a tarball",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := resolveStage(cmd, root, args[0], tag)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = filepath.Join(st.app.cfg.WorkspaceDir, "artifacts")
			}
			res, err := st.app.runner.Build(cmd.Context(), st.pipeline, sourceDir, st.ref, outDir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"ref":      res.Ref.String(),
				"imageID":  res.ImageID,
				"tarball":  res.Tarball,
				"duration": res.Duration.String(),
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "immutable tag to build (default derived from $GITHUB_SHA)")
	cmd.Flags().StringVar(&sourceDir, "source-dir", ".", "checkout holding the build context")
	cmd.Flags().StringVar(&outDir, "out", "", "directory for the image tarball (default $WORKSPACE_DIR/artifacts)")
	return cmd
}

func newPublishCommand(root *rootOptions) *cobra.Command {
	var tag, tarball string
	cmd := &cobra.Command{
		Use:   "publish <pipeline>",
		Short: "Push an image tarball under its immutable tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(tarball); err != nil {
				return fmt.Errorf("--tarball: %w", err)
			}
			st, err := resolveStage(cmd, root, args[0], tag)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			previous, found, err := st.app.runner.Previous(ctx, st.pipeline, st.ref)
			if err != nil {
				return err
			}
			pushed, err := st.app.runner.Publish(ctx, tarball, st.ref)
			if err != nil {
				return err
			}
			out := map[string]string{"ref": st.ref.String(), "digest": pushed.Digest}
			if found {
				out["previous"] = previous.String()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "immutable tag to push under (default derived from $GITHUB_SHA)")
	cmd.Flags().StringVar(&tarball, "tarball", "", "image tarball written by build")
	_ = cmd.MarkFlagRequired("tarball")
	return cmd
}

func newTransferCommand(root *rootOptions) *cobra.Command {
	var tag, sourceDir string
	cmd := &cobra.Command{
		Use:   "transfer <pipeline>",
		Short: "Validate the topology descriptor and copy it to the target host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := resolveStage(cmd, root, args[0], tag)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			vars, err := st.app.store.Resolve(ctx, st.pipeline, st.target)
			if err != nil {
				return err
			}
			doc, err := st.app.runner.Topology(ctx, st.pipeline, sourceDir, vars, st.ref)
			if err != nil {
				return err
			}
			if err := st.app.runner.Transfer(ctx, st.target, doc); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s@%s:%s\n", doc.Path, st.target.User, st.target.Host, st.target.DescriptorPath)
			return err
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "immutable tag the descriptor is checked against")
	cmd.Flags().StringVar(&sourceDir, "source-dir", ".", "checkout holding the descriptor")
	return cmd
}

func newDeployCommand(root *rootOptions) *cobra.Command {
	var tag, previous string
	var promote bool
	cmd := &cobra.Command{
		Use:   "deploy <pipeline>",
		Short: "Redeploy the service set on the target host with an already published image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := resolveStage(cmd, root, args[0], tag)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			vars, err := st.app.store.Resolve(ctx, st.pipeline, st.target)
			if err != nil {
				return err
			}
			if previous == "" {
				prev, found, err := st.app.runner.Previous(ctx, st.pipeline, st.ref)
				if err != nil {
					return err
				}
				if found {
					previous = prev.String()
				}
			}
			report, err := st.app.runner.Deploy(ctx, st.pipeline, st.target, vars, st.ref.String(), previous)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil && err == nil {
					err = perr
				}
			}
			if err != nil || !promote {
				return err
			}
			pushed, found, err := st.app.publisher.Resolve(ctx, st.ref)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", errImageNotFound, st.ref)
			}
			return st.app.runner.Promote(ctx, st.pipeline, pushed)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "immutable tag to deploy")
	cmd.Flags().StringVar(&previous, "previous", "", "image to roll back to (default what the mutable tag points at)")
	cmd.Flags().BoolVar(&promote, "promote", false, "move the mutable tag to the deployed image on success")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}
