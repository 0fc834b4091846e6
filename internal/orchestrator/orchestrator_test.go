package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vinr.eu/rollout/internal/remote"
	"vinr.eu/rollout/internal/remote/remotetest"
)

const (
	descriptorPath = "/home/deploy/backend/docker-compose.yml"
	envFilePath    = "/home/deploy/backend/.rollout.env"
	newImage       = "registry.example.com/example/backend:abc123-run2"
	oldImage       = "registry.example.com/example/backend@sha256:0ld"
	registryPass   = "hunter2"
)

// fakeHost plays the docker daemon of the target host.
type fakeHost struct {
	srv *remotetest.Server

	mu           sync.Mutex
	running      []string
	next         int
	pullFailures int
	keepOld      bool
	started      []string
}

func (h *fakeHost) handle(cmd string, stdin []byte) (string, uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "docker login"):
		if string(stdin) != registryPass {
			return "", 1
		}
	case strings.HasSuffix(cmd, " pull"):
		if h.pullFailures != 0 {
			h.pullFailures--
			return "", 1
		}
	case strings.HasSuffix(cmd, " ps --all --quiet"):
		short := make([]string, len(h.running))
		for i, id := range h.running {
			short[i] = id[:12]
		}
		return strings.Join(short, "\n") + "\n", 0
	case strings.HasSuffix(cmd, " down --remove-orphans"):
		if !h.keepOld {
			h.running = nil
		}
	case strings.HasSuffix(cmd, " up --detach --build --remove-orphans"):
		f, _ := h.srv.File(envFilePath)
		for _, line := range strings.Split(string(f.Content), "\n") {
			if image, ok := strings.CutPrefix(line, "APP_IMAGE="); ok {
				h.started = append(h.started, image)
			}
		}
		h.running = append(h.running, h.newID(), h.newID())
	case strings.HasPrefix(cmd, "docker ps"):
		return strings.Join(h.running, "\n") + "\n", 0
	default:
		return "", 127
	}
	return "", 0
}

func (h *fakeHost) state() (running, started []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.running...), append([]string(nil), h.started...)
}

func (h *fakeHost) newID() string {
	h.next++
	return fmt.Sprintf("%064x", h.next)
}

type fakeProbe struct {
	results []error
	calls   int
}

func (p *fakeProbe) Wait(context.Context) error {
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func setup(t *testing.T, host *fakeHost) (*Orchestrator, *remotetest.Server, *[]time.Duration) {
	t.Helper()
	key, pub := remotetest.GenerateKey(t)
	srv := remotetest.NewServer(t, pub, host.handle)
	host.srv = srv
	host.running = []string{host.newID(), host.newID()}

	o := New(func(ctx context.Context) (Remote, error) {
		return remote.Dial(ctx, remote.Options{
			Host:       srv.Host,
			Port:       srv.Port,
			User:       "deploy",
			PrivateKey: key,
			HostKey:    srv.Fingerprint,
		})
	})
	var delays []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return o, srv, &delays
}

func newPlan() Plan {
	return Plan{
		Project:        "backend",
		DescriptorPath: descriptorPath,
		Env:            map[string]string{"POSTGRES_PASSWORD": "db-secret"},
		Image:          newImage,
		PreviousImage:  oldImage,
		Registry:       Registry{Host: "registry.example.com", Username: "ci", Password: registryPass},
		Strategy:       StrategyRecreate,
		Retry:          Retry{Attempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second},
		StepTimeout:    10 * time.Second,
	}
}

func commandKinds(cmds []string) []string {
	var kinds []string
	for _, c := range cmds {
		switch {
		case strings.HasPrefix(c, "mkdir"), strings.HasPrefix(c, "chmod"):
		case strings.HasPrefix(c, "scp"):
			kinds = append(kinds, "upload")
		case strings.HasPrefix(c, "docker login"):
			kinds = append(kinds, "login")
		case strings.HasPrefix(c, "docker compose"):
			fields := strings.Fields(c)
			kinds = append(kinds, fields[len(fields)-1])
			if strings.Contains(c, " ps ") {
				kinds[len(kinds)-1] = "compose-ps"
			}
		case strings.HasPrefix(c, "docker ps"):
			kinds = append(kinds, "verify")
		}
	}
	return kinds
}

func TestDeployRecreate(t *testing.T) {
	host := &fakeHost{}
	o, srv, _ := setup(t, host)
	oldIDs := append([]string(nil), host.running...)

	report, err := o.Deploy(context.Background(), newPlan())
	require.NoError(t, err)

	assert.Equal(t, []string{"upload", "login", "pull", "compose-ps", "--remove-orphans", "--remove-orphans", "verify"}, commandKinds(srv.Commands()))
	cmds := srv.Commands()
	assert.Contains(t, cmds, "docker login 'registry.example.com' --username 'ci' --password-stdin")
	assert.Contains(t, cmds, "docker compose --project-name 'backend' --file '"+descriptorPath+"' --env-file '"+envFilePath+"' down --remove-orphans")
	for _, c := range cmds {
		assert.NotContains(t, c, registryPass)
		assert.NotContains(t, c, "db-secret")
	}

	env, ok := srv.File(envFilePath)
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0o600), env.Mode)
	assert.Equal(t, "APP_IMAGE="+newImage+"\nPOSTGRES_PASSWORD=db-secret\n", string(env.Content))

	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, StepVerify, report.LastCompleted)
	assert.Equal(t, newImage, report.Running)
	assert.Len(t, report.RemovedContainers, 2)
	running, started := host.state()
	for _, id := range oldIDs {
		assert.NotContains(t, running, id)
	}
	assert.Equal(t, []string{newImage}, started)
}

func TestDeployPullFailureNeverTearsDown(t *testing.T) {
	host := &fakeHost{pullFailures: -1}
	o, srv, delays := setup(t, host)
	before := append([]string(nil), host.running...)

	report, err := o.Deploy(context.Background(), newPlan())
	require.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorContains(t, err, "pull")

	for _, c := range srv.Commands() {
		assert.NotContains(t, c, " down ")
		assert.NotContains(t, c, " up ")
	}
	running, _ := host.state()
	assert.Equal(t, before, running)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, StepLogin, report.LastCompleted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestDeployRetriesTransientFailure(t *testing.T) {
	host := &fakeHost{pullFailures: 1}
	o, _, delays := setup(t, host)

	report, err := o.Deploy(context.Background(), newPlan())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Len(t, *delays, 1)

	var failed []StepRecord
	for _, s := range report.Steps {
		if s.Error != "" {
			failed = append(failed, s)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, StepPull, failed[0].Step)
	assert.Equal(t, 1, failed[0].Attempt)
}

func TestDeployLoginFailureIsNotRetried(t *testing.T) {
	host := &fakeHost{}
	o, srv, delays := setup(t, host)
	plan := newPlan()
	plan.Registry.Password = "wrong"

	report, err := o.Deploy(context.Background(), plan)
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 1, report.Attempts)
	assert.Empty(t, *delays)
	assert.NotContains(t, commandKinds(srv.Commands()), "pull")
}

func TestDeployIncompleteTeardown(t *testing.T) {
	host := &fakeHost{keepOld: true}
	o, _, _ := setup(t, host)
	plan := newPlan()
	plan.Retry.Attempts = 1

	report, err := o.Deploy(context.Background(), plan)
	require.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorContains(t, err, "still present")
	assert.Equal(t, StepStart, report.LastCompleted)
}

func TestDeployGated(t *testing.T) {
	notReady := errors.New("health: service not ready")
	testCases := []struct {
		name       string
		previous   string
		probe      *fakeProbe
		assertions func(*testing.T, *fakeHost, *Report, error)
	}{
		{
			name:  "probe passes",
			probe: &fakeProbe{},
			assertions: func(t *testing.T, host *fakeHost, report *Report, err error) {
				require.NoError(t, err)
				assert.False(t, report.RolledBack)
				assert.Equal(t, StepProbe, report.LastCompleted)
				_, started := host.state()
				assert.Equal(t, []string{newImage}, started)
			},
		},
		{
			name:     "probe fails and previous image is restored",
			previous: oldImage,
			probe:    &fakeProbe{results: []error{notReady}},
			assertions: func(t *testing.T, host *fakeHost, report *Report, err error) {
				require.ErrorIs(t, err, ErrRolledBack)
				require.ErrorIs(t, err, notReady)
				assert.True(t, report.RolledBack)
				assert.Equal(t, oldImage, report.Running)
				_, started := host.state()
				assert.Equal(t, []string{newImage, oldImage}, started)
				assert.NotEmpty(t, report.StepsOf(PhaseRollback))
				env, _ := host.srv.File(envFilePath)
				assert.Contains(t, string(env.Content), "APP_IMAGE="+oldImage)
			},
		},
		{
			name:  "probe fails with nothing to roll back to",
			probe: &fakeProbe{results: []error{notReady}},
			assertions: func(t *testing.T, host *fakeHost, report *Report, err error) {
				require.ErrorIs(t, err, ErrRollbackFailed)
				assert.False(t, report.RolledBack)
				_, started := host.state()
				assert.Equal(t, []string{newImage}, started)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			host := &fakeHost{}
			o, _, _ := setup(t, host)
			plan := newPlan()
			plan.Strategy = StrategyGated
			plan.Probe = testCase.probe
			plan.PreviousImage = testCase.previous
			report, err := o.Deploy(context.Background(), plan)
			testCase.assertions(t, host, report, err)
		})
	}
}

func TestDeployRollbackKeepsDeployAttempts(t *testing.T) {
	host := &fakeHost{pullFailures: 1}
	o, _, _ := setup(t, host)
	plan := newPlan()
	plan.Strategy = StrategyGated
	plan.Probe = &fakeProbe{results: []error{errors.New("health: service not ready")}}

	report, err := o.Deploy(context.Background(), plan)
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, 1, report.RollbackAttempts)
	for _, s := range report.StepsOf(PhaseRollback) {
		assert.Equal(t, 1, s.Attempt)
	}
}

func TestDeployConnectFailure(t *testing.T) {
	o := New(func(context.Context) (Remote, error) {
		return nil, remote.ErrHostKey
	})
	o.sleep = func(context.Context, time.Duration) error { return nil }

	report, err := o.Deploy(context.Background(), newPlan())
	require.ErrorIs(t, err, remote.ErrHostKey)
	assert.Equal(t, 1, report.Attempts)
	assert.Empty(t, report.LastCompleted)
}

func TestPlanValidation(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Plan)
	}{
		{name: "missing image", mutate: func(p *Plan) { p.Image = "" }},
		{name: "relative descriptor", mutate: func(p *Plan) { p.DescriptorPath = "docker-compose.yml" }},
		{name: "gated without probe", mutate: func(p *Plan) { p.Strategy = StrategyGated }},
		{name: "unknown strategy", mutate: func(p *Plan) { p.Strategy = "blue-green" }},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			plan := newPlan()
			testCase.mutate(&plan)
			_, err := New(nil).Deploy(context.Background(), plan)
			require.ErrorIs(t, err, ErrInvalidPlan)
		})
	}

	plan := newPlan()
	plan.EnvFilePath = ""
	plan.Retry.Attempts = 0
	require.NoError(t, plan.applyDefaultsAndValidate())
	assert.Equal(t, envFilePath, plan.EnvFilePath)
	assert.Equal(t, 1, plan.Retry.Attempts)
	assert.Equal(t, "APP_IMAGE", plan.ImageVar)
}

func TestBackoff(t *testing.T) {
	testCases := []struct {
		name     string
		retry    Retry
		expected []time.Duration
	}{
		{
			name:  "doubles up to the cap",
			retry: Retry{Attempts: 8, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
			expected: []time.Duration{
				2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
				30 * time.Second, 30 * time.Second, 30 * time.Second,
			},
		},
		{
			name:     "base above the cap",
			retry:    Retry{Attempts: 3, BaseDelay: time.Minute, MaxDelay: 10 * time.Second},
			expected: []time.Duration{10 * time.Second, 10 * time.Second},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			schedule := testCase.retry.backoff()
			var got []time.Duration
			for range testCase.expected {
				got = append(got, schedule.Step())
			}
			assert.Equal(t, testCase.expected, got)
		})
	}
}
