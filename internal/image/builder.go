package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vinr.eu/rollout/internal/command"
	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
)

var (
	ErrBuildFailed  = errors.New("image: build failed")
	ErrExportFailed = errors.New("image: export failed")
)

type BuildRequest struct {
	Context    string
	Dockerfile string
	Ref        Reference
	NoCache    bool
	Args       map[string]string
	// OutDir receives the exported image tarball.
	OutDir string
}

type BuildResult struct {
	Ref      Reference
	ImageID  string
	Tarball  string
	Duration time.Duration
}

type Builder struct {
	runner command.Runner
	docker string
}

func NewBuilder(runner command.Runner) *Builder {
	return &Builder{runner: runner, docker: "docker"}
}

// Build produces the image and exports it to a tarball. A failed build never
// leaves a tarball behind.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	start := time.Now()
	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(req.Context, dockerfile)
	}
	if _, err := os.Stat(dockerfile); err != nil {
		return nil, errs.WrapMsgErr(ErrBuildFailed, "dockerfile", err)
	}

	logger.Info(ctx, "building image", "ref", req.Ref.String(), "noCache", req.NoCache)
	if _, err := b.runner.Run(ctx, command.Command{
		Dir:        req.Context,
		Executable: b.docker,
		Args:       buildArgs(req, dockerfile),
	}); err != nil {
		return nil, errs.WrapMsgErr(ErrBuildFailed, req.Ref.String(), err)
	}

	id, err := b.runner.Run(ctx, command.Command{
		Executable: b.docker,
		Args:       []string{"image", "inspect", "--format", "{{.Id}}", req.Ref.String()},
	})
	if err != nil {
		return nil, errs.WrapMsgErr(ErrBuildFailed, "inspect", err)
	}

	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return nil, errs.Wrap(ErrExportFailed, err)
	}
	tarball := filepath.Join(req.OutDir, req.Ref.Tag+".tar")
	if _, err := b.runner.Run(ctx, command.Command{
		Executable: b.docker,
		Args:       []string{"image", "save", "--output", tarball, req.Ref.String()},
	}); err != nil {
		_ = os.Remove(tarball)
		return nil, errs.WrapMsgErr(ErrExportFailed, tarball, err)
	}

	res := &BuildResult{
		Ref:      req.Ref,
		ImageID:  strings.TrimSpace(id),
		Tarball:  tarball,
		Duration: time.Since(start),
	}
	logger.Info(ctx, "image built", "id", res.ImageID, "tarball", tarball, "took", res.Duration.String())
	return res, nil
}

func buildArgs(req BuildRequest, dockerfile string) []string {
	args := []string{"build", "--file", dockerfile, "--tag", req.Ref.String()}
	if req.NoCache {
		args = append(args, "--no-cache", "--pull")
	}
	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, req.Args[k]))
	}
	return append(args, ".")
}
