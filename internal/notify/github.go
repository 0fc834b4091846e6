package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"
	"vinr.eu/rollout/internal/defs"
	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
	"vinr.eu/rollout/internal/pipeline"
)

var (
	ErrNotGitHub    = errors.New("notify: not a github repository")
	ErrStatusFailed = errors.New("notify: commit status update failed")
)

const maxDescription = 140

type PipelineLookup interface {
	Lookup(name string) (*defs.Pipeline, *defs.Target, error)
}

// Reporter mirrors run progress as commit statuses on the pipeline's
// source repository.
type Reporter struct {
	client    *github.Client
	pipelines PipelineLookup
	publicURL string
}

type Option func(*Reporter)

// WithPublicURL links every status to the run on this server.
func WithPublicURL(u string) Option {
	return func(g *Reporter) { g.publicURL = strings.TrimSuffix(u, "/") }
}

// WithBaseURL points the client at a GitHub Enterprise or test API.
func WithBaseURL(u *url.URL) Option {
	return func(g *Reporter) {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		g.client.BaseURL = u
	}
}

func NewReporter(ctx context.Context, token string, pipelines PipelineLookup, opts ...Option) *Reporter {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	g := &Reporter{
		client:    github.NewClient(oauth2.NewClient(ctx, ts)),
		pipelines: pipelines,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Reporter) RunStarted(ctx context.Context, run pipeline.Run) {
	g.report(ctx, run)
}

func (g *Reporter) StageFinished(context.Context, pipeline.Run, pipeline.StageRecord) {}

func (g *Reporter) RunFinished(ctx context.Context, run pipeline.Run) {
	g.report(ctx, run)
}

func (g *Reporter) report(ctx context.Context, run pipeline.Run) {
	err := g.Report(ctx, run)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotGitHub):
		logger.Debug(ctx, "skipping commit status", "reason", err)
	default:
		logger.Warn(ctx, "commit status not updated", "error", err)
	}
}

// Report publishes the state of run on its commit.
func (g *Reporter) Report(ctx context.Context, run pipeline.Run) error {
	if run.Commit == "" {
		return errs.WrapMsg(ErrNotGitHub, "run has no commit")
	}
	p, _, err := g.pipelines.Lookup(run.Pipeline)
	if err != nil {
		return err
	}
	if p.Source == nil {
		return errs.WrapMsg(ErrNotGitHub, "pipeline has no source")
	}
	owner, repo, err := ParseRepository(p.Source.GitURL)
	if err != nil {
		return err
	}

	state, description := statusOf(run)
	status := &github.RepoStatus{
		State:       github.Ptr(state),
		Description: github.Ptr(truncate(description, maxDescription)),
		Context:     github.Ptr("rollout/" + run.Pipeline),
	}
	if g.publicURL != "" {
		status.TargetURL = github.Ptr(g.publicURL + "/runs/" + run.ID)
	}
	if _, _, err := g.client.Repositories.CreateStatus(ctx, owner, repo, run.Commit, status); err != nil {
		return errs.WrapMsgErr(ErrStatusFailed, owner+"/"+repo+"@"+run.Commit, err)
	}
	logger.Debug(ctx, "commit status updated", "repo", owner+"/"+repo, "state", state)
	return nil
}

func statusOf(run pipeline.Run) (string, string) {
	switch run.Status {
	case pipeline.StatusSucceeded:
		return "success", "deployed " + run.Image
	case pipeline.StatusRolledBack:
		return "failure", "rolled back to " + run.Previous
	case pipeline.StatusFailed:
		for _, s := range run.Stages {
			if s.Status == pipeline.StatusFailed {
				return "failure", fmt.Sprintf("%s failed: %s", s.Stage, s.Error)
			}
		}
		return "error", run.Error
	default:
		return "pending", "build and deploy in progress"
	}
}

// ParseRepository extracts owner and name from a github.com clone URL in
// https, ssh or scp form.
func ParseRepository(gitURL string) (string, string, error) {
	s := strings.TrimSpace(gitURL)
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@"} {
		s = strings.TrimPrefix(s, prefix)
	}
	host, path, ok := strings.Cut(strings.Replace(s, ":", "/", 1), "/")
	if !ok || !strings.EqualFold(host, "github.com") {
		return "", "", errs.WrapMsg(ErrNotGitHub, gitURL)
	}
	owner, repo, ok := strings.Cut(strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git"), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", errs.WrapMsg(ErrNotGitHub, gitURL)
	}
	return owner, repo, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
