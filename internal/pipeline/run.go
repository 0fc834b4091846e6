package pipeline

import (
	"context"
	"slices"
	"time"

	"vinr.eu/rollout/internal/orchestrator"
)

type Stage string

const (
	StagePrepare  Stage = "prepare"
	StageBuild    Stage = "build"
	StagePublish  Stage = "publish"
	StageTransfer Stage = "transfer"
	StageDeploy   Stage = "deploy"
	StagePromote  Stage = "promote"
)

// Stages is the fixed order every run goes through.
var Stages = []Stage{StagePrepare, StageBuild, StagePublish, StageTransfer, StageDeploy, StagePromote}

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusRolledBack Status = "rolled_back"
)

type StageRecord struct {
	Stage    Stage         `json:"stage"`
	Status   Status        `json:"status"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Run struct {
	ID       string    `json:"id"`
	Pipeline string    `json:"pipeline"`
	Commit   string    `json:"commit,omitempty"`
	Status   Status    `json:"status"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
	// Image is the immutable reference that was deployed.
	Image    string `json:"image,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Previous string `json:"previous,omitempty"`

	Stages []StageRecord        `json:"stages"`
	Deploy *orchestrator.Report `json:"deploy,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func newRun(id, pipeline, commit string) *Run {
	r := &Run{
		ID:       id,
		Pipeline: pipeline,
		Commit:   commit,
		Status:   StatusPending,
		Started:  time.Now(),
	}
	for _, s := range Stages {
		r.Stages = append(r.Stages, StageRecord{Stage: s, Status: StatusPending})
	}
	return r
}

func (r *Run) stage(s Stage) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Stage == s {
			return &r.Stages[i]
		}
	}
	return nil
}

// Stage returns the record of s.
func (r Run) Stage(s Stage) StageRecord {
	if rec := r.stage(s); rec != nil {
		return *rec
	}
	return StageRecord{Stage: s}
}

func (r *Run) Duration() time.Duration {
	if r.Finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.Finished.Sub(r.Started)
}

func (r *Run) snapshot() Run {
	c := *r
	c.Stages = slices.Clone(r.Stages)
	if r.Deploy != nil {
		d := *r.Deploy
		d.Steps = slices.Clone(r.Deploy.Steps)
		d.RemovedContainers = slices.Clone(r.Deploy.RemovedContainers)
		c.Deploy = &d
	}
	return c
}

// Observer is told about run progress. It receives copies, never the live
// record.
type Observer interface {
	RunStarted(ctx context.Context, run Run)
	StageFinished(ctx context.Context, run Run, stage StageRecord)
	RunFinished(ctx context.Context, run Run)
}
