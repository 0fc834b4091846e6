package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"time"

	"vinr.eu/rollout/internal/errs"
)

var (
	ErrInvalidPlan    = errors.New("orchestrator: invalid plan")
	ErrAuthFailed     = errors.New("orchestrator: registry login on target failed")
	ErrStepFailed     = errors.New("orchestrator: step failed")
	ErrRolledBack     = errors.New("orchestrator: deployment rolled back")
	ErrRollbackFailed = errors.New("orchestrator: rollback failed")
)

// Remote is one session on the target host.
type Remote interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (string, error)
	Upload(ctx context.Context, path string, mode os.FileMode, content []byte) error
	Close() error
}

// Dialer opens a fresh session; each attempt gets its own.
type Dialer func(ctx context.Context) (Remote, error)

// Waiter gates a deployment on the service becoming ready.
type Waiter interface {
	Wait(ctx context.Context) error
}

type Strategy string

const (
	StrategyRecreate Strategy = "recreate"
	StrategyGated    Strategy = "gated"
)

type Registry struct {
	Host     string
	Username string
	Password string
}

type Retry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type Plan struct {
	Project        string
	DescriptorPath string
	// EnvFilePath defaults to .rollout.env next to the descriptor.
	EnvFilePath string
	// Env is written to the env file together with ImageVar=Image.
	Env      map[string]string
	ImageVar string
	Image    string
	// PreviousImage is what the gated strategy rolls back to. Empty means
	// there is nothing to roll back to.
	PreviousImage string
	Registry      Registry
	Strategy      Strategy
	Probe         Waiter
	Retry         Retry
	StepTimeout   time.Duration
}

func (p *Plan) applyDefaultsAndValidate() error {
	if p.Project == "" || p.DescriptorPath == "" || p.Image == "" {
		return errs.WrapMsg(ErrInvalidPlan, "project, descriptor path and image are required")
	}
	if !path.IsAbs(p.DescriptorPath) {
		return errs.WrapMsg(ErrInvalidPlan, "descriptor path must be absolute")
	}
	if p.EnvFilePath == "" {
		p.EnvFilePath = path.Join(path.Dir(p.DescriptorPath), ".rollout.env")
	}
	if p.ImageVar == "" {
		p.ImageVar = "APP_IMAGE"
	}
	if p.Strategy == "" {
		p.Strategy = StrategyGated
	}
	switch p.Strategy {
	case StrategyRecreate:
	case StrategyGated:
		if p.Probe == nil {
			return errs.WrapMsg(ErrInvalidPlan, "gated strategy needs a probe")
		}
	default:
		return errs.WrapMsg(ErrInvalidPlan, "unknown strategy "+string(p.Strategy))
	}
	if p.Retry.Attempts < 1 {
		p.Retry.Attempts = 1
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = 10 * time.Minute
	}
	return nil
}

type Step string

const (
	StepConnect   Step = "connect"
	StepConfigure Step = "configure"
	StepLogin     Step = "login"
	StepPull      Step = "pull"
	StepSnapshot  Step = "snapshot"
	StepTeardown  Step = "teardown"
	StepStart     Step = "start"
	StepVerify    Step = "verify"
	StepProbe     Step = "probe"
)

type Phase string

const (
	PhaseDeploy   Phase = "deploy"
	PhaseRollback Phase = "rollback"
)

type StepRecord struct {
	Phase    Phase
	Step     Step
	Attempt  int
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Report tells an operator what happened on the host. LastCompleted is the
// last step that succeeded, whatever the outcome of the deployment.
type Report struct {
	// Attempts counts deploy sessions only; RollbackAttempts counts the
	// sessions spent restoring the previous image.
	Attempts          int
	RollbackAttempts  int
	Steps             []StepRecord
	LastCompleted     Step
	RemovedContainers []string
	RolledBack        bool
	// Running is the image the host was left running, if known.
	Running string
}

func (r *Report) countAttempt(phase Phase, attempt int) {
	if phase == PhaseRollback {
		r.RollbackAttempts = attempt
		return
	}
	r.Attempts = attempt
}

func (r *Report) StepsOf(phase Phase) []StepRecord {
	var out []StepRecord
	for _, s := range r.Steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}
