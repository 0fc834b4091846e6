package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"vinr.eu/rollout/internal/defs"
	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/health"
	"vinr.eu/rollout/internal/image"
	"vinr.eu/rollout/internal/logger"
	"vinr.eu/rollout/internal/orchestrator"
	"vinr.eu/rollout/internal/source"
	"vinr.eu/rollout/internal/topology"
)

var (
	ErrPrepareFailed = errors.New("pipeline: prepare failed")
	ErrStageFailed   = errors.New("pipeline: stage failed")
)

type Definitions interface {
	Lookup(name string) (*defs.Pipeline, *defs.Target, error)
	Resolve(ctx context.Context, p *defs.Pipeline, t *defs.Target) (map[string]string, error)
}

type Builder interface {
	Build(ctx context.Context, req image.BuildRequest) (*image.BuildResult, error)
}

type Publisher interface {
	Login(ctx context.Context, ref image.Reference) error
	Publish(ctx context.Context, tarball string, ref image.Reference) (image.Reference, error)
	Resolve(ctx context.Context, ref image.Reference) (image.Reference, bool, error)
	Promote(ctx context.Context, src image.Reference, tag string) error
}

// Connector opens a session on a target host.
type Connector func(ctx context.Context, t *defs.Target) (orchestrator.Remote, error)

// SourceFactory returns the source to fetch for a pipeline at commit.
type SourceFactory func(p *defs.Pipeline, commit string) (source.Source, error)

type Runner struct {
	defs      Definitions
	builder   Builder
	publisher Publisher
	connect   Connector

	workspace   string
	credentials image.Credentials
	nameOpts    []name.Option
	newSource   SourceFactory
	newProbe    func(defs.Health) (orchestrator.Waiter, error)
	newID       func() string
	observers   []Observer
}

type Option func(*Runner)

func WithWorkspace(dir string) Option {
	return func(r *Runner) { r.workspace = dir }
}

// WithRegistryCredentials sets the credentials the target host logs in with.
func WithRegistryCredentials(c image.Credentials) Option {
	return func(r *Runner) { r.credentials = c }
}

func WithReferenceOptions(opts ...name.Option) Option {
	return func(r *Runner) { r.nameOpts = append(r.nameOpts, opts...) }
}

func WithSourceFactory(f SourceFactory) Option {
	return func(r *Runner) { r.newSource = f }
}

func WithProbeFactory(f func(defs.Health) (orchestrator.Waiter, error)) Option {
	return func(r *Runner) { r.newProbe = f }
}

func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

func NewRunner(d Definitions, b Builder, p Publisher, c Connector, opts ...Option) *Runner {
	r := &Runner{
		defs:      d,
		builder:   b,
		publisher: p,
		connect:   c,
		workspace: filepath.Join(os.TempDir(), "rollout"),
		newSource: func(p *defs.Pipeline, commit string) (source.Source, error) {
			return source.New(p.Source.GitURL, p.Source.Branch, commit, nil)
		},
		newProbe: func(h defs.Health) (orchestrator.Waiter, error) {
			return health.NewProber(health.Probe{
				URL:          h.URL,
				Interval:     h.Interval,
				Timeout:      h.Timeout,
				ExpectStatus: h.ExpectStatus,
			})
		},
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Request struct {
	Pipeline string
	Commit   string
	// SourceDir is used as is when set; otherwise the pipeline source is
	// fetched into the workspace.
	SourceDir string
}

// prepared is everything the stages after prepare need.
type prepared struct {
	pipeline *defs.Pipeline
	target   *defs.Target
	vars     map[string]string
	dir      string
	document *topology.Document
	ref      image.Reference
}

// Run executes prepare, build, publish, transfer, deploy and promote in
// order. The first failing stage ends the run; later stages are skipped.
func (r *Runner) Run(ctx context.Context, req Request) (*Run, error) {
	run := newRun(r.newID(), req.Pipeline, req.Commit)
	ctx = logger.WithRun(ctx, run.ID, req.Pipeline)
	run.Status = StatusRunning
	r.notifyStarted(ctx, run)

	artifacts := filepath.Join(r.workspace, "artifacts", run.ID)
	defer func() { _ = os.RemoveAll(artifacts) }()

	var (
		prep   *prepared
		built  *image.BuildResult
		pushed image.Reference
		report *orchestrator.Report
	)
	stages := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StagePrepare, func(ctx context.Context) (err error) {
			prep, err = r.prepare(ctx, req, run)
			return err
		}},
		{StageBuild, func(ctx context.Context) (err error) {
			built, err = r.Build(ctx, prep.pipeline, prep.dir, prep.ref, artifacts)
			return err
		}},
		{StagePublish, func(ctx context.Context) error {
			previous, found, err := r.Previous(ctx, prep.pipeline, prep.ref)
			if err != nil {
				return err
			}
			if found {
				run.Previous = previous.String()
			}
			pushed, err = r.Publish(ctx, built.Tarball, prep.ref)
			run.Image = prep.ref.String()
			run.Digest = pushed.Digest
			return err
		}},
		{StageTransfer, func(ctx context.Context) error {
			return r.Transfer(ctx, prep.target, prep.document)
		}},
		{StageDeploy, func(ctx context.Context) (err error) {
			report, err = r.Deploy(ctx, prep.pipeline, prep.target, prep.vars, prep.ref.String(), run.Previous)
			run.Deploy = report
			return err
		}},
		{StagePromote, func(ctx context.Context) error {
			return r.Promote(ctx, prep.pipeline, pushed)
		}},
	}

	var runErr error
	for _, s := range stages {
		if runErr != nil {
			run.stage(s.stage).Status = StatusSkipped
			continue
		}
		runErr = r.runStage(ctx, run, s.stage, s.fn)
	}

	run.Finished = time.Now()
	switch {
	case runErr == nil:
		run.Status = StatusSucceeded
	case errors.Is(runErr, orchestrator.ErrRolledBack):
		run.Status = StatusRolledBack
	default:
		run.Status = StatusFailed
	}
	if runErr != nil {
		run.Error = runErr.Error()
		logger.Error(ctx, "run failed", "status", run.Status, "error", runErr)
	} else {
		logger.Info(ctx, "run succeeded", "image", run.Image, "took", run.Duration().String())
	}
	r.notifyFinished(ctx, run)
	return run, runErr
}

func (r *Runner) runStage(ctx context.Context, run *Run, stage Stage, fn func(context.Context) error) error {
	rec := run.stage(stage)
	rec.Status = StatusRunning
	rec.Started = time.Now()
	logger.Info(ctx, "stage started", "stage", stage)

	err := fn(ctx)
	rec.Duration = time.Since(rec.Started)
	switch {
	case err == nil:
		rec.Status = StatusSucceeded
	case errors.Is(err, orchestrator.ErrRolledBack):
		rec.Status = StatusRolledBack
	default:
		rec.Status = StatusFailed
	}
	if err != nil {
		rec.Error = err.Error()
		err = errs.WrapMsgErr(ErrStageFailed, string(stage), err)
	}
	for _, o := range r.observers {
		o.StageFinished(ctx, run.snapshot(), *rec)
	}
	return err
}

func (r *Runner) prepare(ctx context.Context, req Request, run *Run) (*prepared, error) {
	p, t, err := r.defs.Lookup(req.Pipeline)
	if err != nil {
		return nil, err
	}
	vars, err := r.defs.Resolve(ctx, p, t)
	if err != nil {
		return nil, err
	}

	dir := req.SourceDir
	if dir == "" {
		if p.Source == nil {
			return nil, errs.WrapMsg(ErrPrepareFailed, "pipeline has no source and no source directory was given")
		}
		src, err := r.newSource(p, req.Commit)
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(r.workspace, "sources", p.Name)
		rev, err := src.Fetch(ctx, dir)
		if err != nil {
			return nil, err
		}
		run.Commit = rev.Commit
	}

	ref, err := image.ParseReference(p.Image.Repository, image.BuildTag(run.Commit, run.ID), r.nameOpts...)
	if err != nil {
		return nil, err
	}
	doc, err := r.Topology(ctx, p, dir, vars, ref)
	if err != nil {
		return nil, err
	}
	return &prepared{pipeline: p, target: t, vars: vars, dir: dir, document: doc, ref: ref}, nil
}

// Topology loads and validates the pipeline's descriptor and checks that it
// renders with vars plus the image variable.
func (r *Runner) Topology(ctx context.Context, p *defs.Pipeline, dir string, vars map[string]string, ref image.Reference) (*topology.Document, error) {
	doc, err := topology.Load(filepath.Join(dir, p.Topology.File))
	if err != nil {
		return nil, err
	}
	report := topology.Validate(doc.Descriptor, topology.Options{
		Variant:    topology.Variant(p.Topology.Environment),
		Repository: ref.Name(),
		KnownEnv:   slices.Collect(maps.Keys(vars)),
	})
	for _, w := range report.Warnings() {
		logger.Warn(ctx, "topology warning", "file", doc.Path, "finding", w.String())
	}
	if err := report.Err(); err != nil {
		return nil, err
	}
	withImage := maps.Clone(vars)
	if withImage == nil {
		withImage = map[string]string{}
	}
	withImage[p.Topology.ImageVar] = ref.String()
	if _, err := topology.RenderDocument(doc, withImage); err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *Runner) Build(ctx context.Context, p *defs.Pipeline, dir string, ref image.Reference, outDir string) (*image.BuildResult, error) {
	return r.builder.Build(ctx, image.BuildRequest{
		Context:    filepath.Join(dir, p.Build.Context),
		Dockerfile: p.Build.Dockerfile,
		Ref:        ref,
		NoCache:    p.Build.NoCache,
		Args:       p.Build.Args,
		OutDir:     outDir,
	})
}

// Previous resolves what the mutable tag points at before anything is
// pushed. That digest is the rollback target.
func (r *Runner) Previous(ctx context.Context, p *defs.Pipeline, ref image.Reference) (image.Reference, bool, error) {
	if err := r.publisher.Login(ctx, ref); err != nil {
		return image.Reference{}, false, err
	}
	return r.publisher.Resolve(ctx, ref.WithTag(p.Image.Tag))
}

func (r *Runner) Publish(ctx context.Context, tarball string, ref image.Reference) (image.Reference, error) {
	return r.publisher.Publish(ctx, tarball, ref)
}

// Transfer copies the descriptor, byte for byte, to the target.
func (r *Runner) Transfer(ctx context.Context, t *defs.Target, doc *topology.Document) error {
	sess, err := r.connect(ctx, t)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	return sess.Upload(ctx, t.DescriptorPath, 0o644, doc.Raw)
}

func (r *Runner) Deploy(ctx context.Context, p *defs.Pipeline, t *defs.Target, vars map[string]string, img, previous string) (*orchestrator.Report, error) {
	plan := orchestrator.Plan{
		Project:        t.Project,
		DescriptorPath: t.DescriptorPath,
		Env:            vars,
		ImageVar:       p.Topology.ImageVar,
		Image:          img,
		PreviousImage:  previous,
		Strategy:       orchestrator.Strategy(p.Strategy),
		Retry: orchestrator.Retry{
			Attempts:  p.Retry.Attempts,
			BaseDelay: p.Retry.BaseDelay,
			MaxDelay:  p.Retry.MaxDelay,
		},
		StepTimeout: p.StepTimeout,
	}
	if r.credentials.Username != "" {
		ref, err := image.ParseReference(p.Image.Repository, p.Image.Tag, r.nameOpts...)
		if err != nil {
			return nil, err
		}
		plan.Registry = orchestrator.Registry{
			Host:     ref.Registry,
			Username: r.credentials.Username,
			Password: r.credentials.Password,
		}
	}
	if p.Health != nil && plan.Strategy == orchestrator.StrategyGated {
		probe, err := r.newProbe(*p.Health)
		if err != nil {
			return nil, err
		}
		plan.Probe = probe
	}
	o := orchestrator.New(func(ctx context.Context) (orchestrator.Remote, error) {
		return r.connect(ctx, t)
	})
	return o.Deploy(ctx, plan)
}

// Promote moves the mutable tag to the pushed digest.
func (r *Runner) Promote(ctx context.Context, p *defs.Pipeline, pushed image.Reference) error {
	if pushed.Digest == "" {
		return errs.WrapMsg(ErrStageFailed, fmt.Sprintf("nothing to promote for %s", p.Name))
	}
	return r.publisher.Promote(ctx, pushed, p.Image.Tag)
}

func (r *Runner) notifyStarted(ctx context.Context, run *Run) {
	for _, o := range r.observers {
		o.RunStarted(ctx, run.snapshot())
	}
}

func (r *Runner) notifyFinished(ctx context.Context, run *Run) {
	for _, o := range r.observers {
		o.RunFinished(ctx, run.snapshot())
	}
}
