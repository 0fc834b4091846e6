package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
)

var (
	ErrNotReady     = errors.New("health: service not ready")
	ErrInvalidProbe = errors.New("health: invalid probe")
)

const requestTimeout = 5 * time.Second

type Probe struct {
	URL          string
	Interval     time.Duration
	Timeout      time.Duration
	ExpectStatus int
}

type State struct {
	Ready     bool
	Attempts  int
	LastCheck time.Time
	Message   string
}

type Prober struct {
	probe  Probe
	client *http.Client

	mu    sync.RWMutex
	state State
}

func NewProber(p Probe) (*Prober, error) {
	if p.URL == "" {
		return nil, errs.WrapMsg(ErrInvalidProbe, "url is required")
	}
	if p.Interval <= 0 {
		p.Interval = 2 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 2 * time.Minute
	}
	if p.ExpectStatus == 0 {
		p.ExpectStatus = http.StatusOK
	}
	return &Prober{
		probe:  p,
		client: cleanhttp.DefaultClient(),
		state:  State{Message: "waiting"},
	}, nil
}

// Wait polls the probe URL until it answers with the expected status or the
// probe timeout passes.
func (p *Prober) Wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.probe.Timeout)
	defer cancel()

	logger.Info(ctx, "waiting for service", "url", p.probe.URL, "timeout", p.probe.Timeout.String())
	if p.ping(ctx) {
		return nil
	}

	ticker := time.NewTicker(p.probe.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st := p.State()
			return errs.WrapMsg(ErrNotReady, fmt.Sprintf("%s after %d attempts: %s", p.probe.URL, st.Attempts, st.Message))
		case <-ticker.C:
			if p.ping(ctx) {
				return nil
			}
		}
	}
}

func (p *Prober) ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ready, msg := p.check(pingCtx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Attempts++
	p.state.LastCheck = time.Now()
	p.state.Ready = ready
	p.state.Message = msg
	if ready {
		logger.Info(ctx, "service ready", "url", p.probe.URL, "attempts", p.state.Attempts)
	} else {
		logger.Debug(ctx, "service not ready yet", "url", p.probe.URL, "message", msg)
	}
	return ready
}

func (p *Prober) check(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probe.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("Request Error: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("Network Error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != p.probe.ExpectStatus {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func (p *Prober) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}
