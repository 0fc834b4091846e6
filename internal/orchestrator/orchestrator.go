package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
	"vinr.eu/rollout/internal/remote"
	"vinr.eu/rollout/internal/topology"
)

type Orchestrator struct {
	dial  Dialer
	sleep func(ctx context.Context, d time.Duration) error
}

func New(dial Dialer) *Orchestrator {
	return &Orchestrator{dial: dial, sleep: sleepCtx}
}

// Deploy replaces the service set on the target with plan.Image. Under the
// gated strategy a failing probe rolls the host back to plan.PreviousImage.
func (o *Orchestrator) Deploy(ctx context.Context, plan Plan) (*Report, error) {
	if err := plan.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	report := &Report{}

	if err := o.withRetry(ctx, plan, PhaseDeploy, plan.Image, report); err != nil {
		return report, err
	}
	report.Running = plan.Image
	if plan.Strategy != StrategyGated {
		return report, nil
	}

	probeErr := o.step(ctx, plan.StepTimeout, report, PhaseDeploy, StepProbe, report.Attempts, func(ctx context.Context) error {
		return plan.Probe.Wait(ctx)
	})
	if probeErr == nil {
		return report, nil
	}

	if plan.PreviousImage == "" {
		report.Running = ""
		return report, errs.WrapMsgErr(ErrRollbackFailed, "no previous image to roll back to", probeErr)
	}
	logger.Warn(ctx, "service did not become ready, rolling back", "image", plan.Image, "previous", plan.PreviousImage, "error", probeErr)
	if err := o.withRetry(ctx, plan, PhaseRollback, plan.PreviousImage, report); err != nil {
		report.Running = ""
		return report, errs.WrapMsgErr(ErrRollbackFailed, probeErr.Error(), err)
	}
	report.RolledBack = true
	report.Running = plan.PreviousImage
	return report, errs.WrapMsgErr(ErrRolledBack, "restored "+plan.PreviousImage, probeErr)
}

func (o *Orchestrator) withRetry(ctx context.Context, plan Plan, phase Phase, image string, report *Report) error {
	schedule := plan.Retry.backoff()
	var err error
	for attempt := 1; attempt <= plan.Retry.Attempts; attempt++ {
		report.countAttempt(phase, attempt)
		err = o.attempt(ctx, plan, phase, image, attempt, report)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == plan.Retry.Attempts {
			break
		}
		delay := schedule.Step()
		logger.Warn(ctx, "attempt failed, retrying", "phase", phase, "attempt", attempt, "in", delay.String(), "error", err)
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return errs.WrapMsgErr(ErrStepFailed, "cancelled while waiting to retry", errors.Join(err, sleepErr))
		}
	}
	return err
}

// attempt runs the whole remote sequence once. Every step is safe to repeat.
func (o *Orchestrator) attempt(ctx context.Context, plan Plan, phase Phase, image string, attempt int, report *Report) error {
	var sess Remote
	err := o.step(ctx, plan.StepTimeout, report, phase, StepConnect, attempt, func(ctx context.Context) error {
		var err error
		sess, err = o.dial(ctx)
		return err
	})
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	compose := composeCommand(plan)
	run := func(cmd string) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := sess.Run(ctx, cmd, nil)
			return err
		}
	}

	env := maps.Clone(plan.Env)
	if env == nil {
		env = map[string]string{}
	}
	env[plan.ImageVar] = image
	if err := o.step(ctx, plan.StepTimeout, report, phase, StepConfigure, attempt, func(ctx context.Context) error {
		content, err := topology.EnvFile(env)
		if err != nil {
			return err
		}
		return sess.Upload(ctx, plan.EnvFilePath, 0o600, content)
	}); err != nil {
		return err
	}

	if plan.Registry.Username != "" {
		if err := o.step(ctx, plan.StepTimeout, report, phase, StepLogin, attempt, func(ctx context.Context) error {
			cmd := fmt.Sprintf("docker login %s --username %s --password-stdin",
				remote.ShellQuote(plan.Registry.Host), remote.ShellQuote(plan.Registry.Username))
			if _, err := sess.Run(ctx, cmd, strings.NewReader(plan.Registry.Password)); err != nil {
				return errs.Wrap(ErrAuthFailed, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	// a failed pull leaves the running services untouched
	if err := o.step(ctx, plan.StepTimeout, report, phase, StepPull, attempt, run(compose("pull"))); err != nil {
		return err
	}

	var before []string
	if err := o.step(ctx, plan.StepTimeout, report, phase, StepSnapshot, attempt, func(ctx context.Context) error {
		out, err := sess.Run(ctx, compose("ps --all --quiet"), nil)
		before = containerIDs(out)
		return err
	}); err != nil {
		return err
	}

	if err := o.step(ctx, plan.StepTimeout, report, phase, StepTeardown, attempt, run(compose("down --remove-orphans"))); err != nil {
		return err
	}
	if err := o.step(ctx, plan.StepTimeout, report, phase, StepStart, attempt, run(compose("up --detach --build --remove-orphans"))); err != nil {
		return err
	}

	return o.step(ctx, plan.StepTimeout, report, phase, StepVerify, attempt, func(ctx context.Context) error {
		out, err := sess.Run(ctx, "docker ps --all --quiet --no-trunc --filter "+remote.ShellQuote("label=com.docker.compose.project="+plan.Project), nil)
		if err != nil {
			return err
		}
		after := containerIDs(out)
		var stale []string
		for _, id := range before {
			if slices.ContainsFunc(after, func(a string) bool { return sameContainer(a, id) }) {
				stale = append(stale, id)
			}
		}
		if len(stale) > 0 {
			return fmt.Errorf("containers of the previous service set are still present: %s", strings.Join(stale, ", "))
		}
		report.RemovedContainers = append(report.RemovedContainers, before...)
		return nil
	})
}

func (o *Orchestrator) step(ctx context.Context, timeout time.Duration, report *Report, phase Phase, step Step, attempt int, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := StepRecord{Phase: phase, Step: step, Attempt: attempt, Started: time.Now()}
	logger.Info(ctx, "step started", "phase", phase, "step", step, "attempt", attempt)
	err := fn(stepCtx)
	rec.Duration = time.Since(rec.Started)
	if err != nil {
		rec.Error = err.Error()
		report.Steps = append(report.Steps, rec)
		logger.Error(ctx, "step failed", "phase", phase, "step", step, "attempt", attempt, "error", err)
		if step == StepProbe {
			return err
		}
		return errs.WrapMsgErr(ErrStepFailed, string(step), err)
	}
	report.Steps = append(report.Steps, rec)
	report.LastCompleted = step
	logger.Info(ctx, "step done", "phase", phase, "step", step, "took", rec.Duration.String())
	return nil
}

func composeCommand(plan Plan) func(args string) string {
	prefix := fmt.Sprintf("docker compose --project-name %s --file %s --env-file %s",
		remote.ShellQuote(plan.Project), remote.ShellQuote(plan.DescriptorPath), remote.ShellQuote(plan.EnvFilePath))
	return func(args string) string {
		return prefix + " " + args
	}
}

func containerIDs(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// sameContainer compares IDs that may be truncated.
func sameContainer(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
