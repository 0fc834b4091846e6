package defs

import (
	"path"
	"strings"
	"time"

	"vinr.eu/rollout/internal/defs/v1"
	"vinr.eu/rollout/internal/errs"
)

const (
	defaultSSHPort      = 22
	defaultBranch       = "main"
	defaultTag          = "latest"
	defaultService      = "app"
	defaultImageVar     = "APP_IMAGE"
	defaultStepTimeout  = 10 * time.Minute
	defaultProbeEvery   = 2 * time.Second
	defaultProbeTimeout = 2 * time.Minute
	defaultAttempts     = 3
	defaultBaseDelay    = 2 * time.Second
	defaultMaxDelay     = 30 * time.Second
)

func mapTargetV1(t *v1.Target) *Target {
	port := defaultSSHPort
	if t.Port != nil {
		port = *t.Port
	}
	project := path.Base(path.Dir(t.DescriptorPath))
	if t.Project != nil {
		project = *t.Project
	}
	return &Target{
		Name:           t.Name,
		Host:           t.Host,
		Port:           port,
		User:           t.User,
		DescriptorPath: t.DescriptorPath,
		Project:        project,
		HostKey:        deref(t.HostKey, ""),
		KnownHostsFile: deref(t.KnownHostsFile, ""),
		Variables:      mapVariablesV1(t.Variables),
	}
}

func mapPipelineV1(p *v1.Pipeline) (*Pipeline, error) {
	out := &Pipeline{
		Name:   p.Name,
		Target: p.Target,
		Build: Build{
			Context:    deref(p.Build.Context, "."),
			Dockerfile: deref(p.Build.Dockerfile, "Dockerfile"),
			NoCache:    true,
			Args:       p.Build.Args,
		},
		Image: Image{
			Repository: p.Image.Repository,
			Tag:        deref(p.Image.Tag, defaultTag),
		},
		Topology: Topology{
			File:        p.Topology.File,
			Environment: p.Topology.Environment,
			Service:     deref(p.Topology.Service, defaultService),
			ImageVar:    deref(p.Topology.ImageVar, defaultImageVar),
		},
		Strategy:  Strategy(strings.ToLower(deref(p.Strategy, string(StrategyGated)))),
		Retry:     Retry{Attempts: defaultAttempts, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay},
		Variables: mapVariablesV1(p.Variables),
	}
	if p.Build.NoCache != nil {
		out.Build.NoCache = *p.Build.NoCache
	}
	if p.Source != nil {
		out.Source = &Source{GitURL: p.Source.GitURL, Branch: deref(p.Source.Branch, defaultBranch)}
	}

	var err error
	if out.StepTimeout, err = parseDuration("stepTimeout", p.StepTimeout, defaultStepTimeout); err != nil {
		return nil, err
	}
	if p.Health != nil {
		h := &Health{URL: p.Health.URL, ExpectStatus: 200}
		if p.Health.ExpectStatus != nil {
			h.ExpectStatus = *p.Health.ExpectStatus
		}
		if h.Interval, err = parseDuration("health.interval", p.Health.Interval, defaultProbeEvery); err != nil {
			return nil, err
		}
		if h.Timeout, err = parseDuration("health.timeout", p.Health.Timeout, defaultProbeTimeout); err != nil {
			return nil, err
		}
		out.Health = h
	}
	if p.Retry != nil {
		if p.Retry.Attempts != nil {
			out.Retry.Attempts = *p.Retry.Attempts
		}
		if out.Retry.BaseDelay, err = parseDuration("retry.baseDelay", p.Retry.BaseDelay, defaultBaseDelay); err != nil {
			return nil, err
		}
		if out.Retry.MaxDelay, err = parseDuration("retry.maxDelay", p.Retry.MaxDelay, defaultMaxDelay); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func mapVariablesV1(vars []v1.Variable) []Variable {
	out := make([]Variable, len(vars))
	for i, v := range vars {
		out[i] = Variable{
			Name:  v.Name,
			Value: v.Value,
			Ref:   v.Ref,
		}
	}
	return out
}

func parseDuration(field string, v *string, fallback time.Duration) (time.Duration, error) {
	if v == nil || *v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return 0, errs.WrapMsgErr(ErrInvalid, field, err)
	}
	return d, nil
}

func deref[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}
