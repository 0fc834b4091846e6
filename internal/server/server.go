package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/autotls"
	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v69/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"vinr.eu/rollout/internal/defs"
	"vinr.eu/rollout/internal/logger"
	"vinr.eu/rollout/internal/pipeline"
)

var (
	errSecretUnset  = errors.New("webhook secret is unset")
	errUnauthorized = errors.New("unauthorized")
)

type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
}

type Pipelines interface {
	ForPush(repoURL, branch string) []*defs.Pipeline
}

type Server struct {
	runner    Runner
	pipelines Pipelines
	history   *History
	gatherer  prometheus.Gatherer
	secret    []byte

	// runs outlive the request that started them
	runCtx context.Context
	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

func New(ctx context.Context, runner Runner, pipelines Pipelines, history *History, gatherer prometheus.Gatherer, secret []byte) *Server {
	return &Server{
		runner:    runner,
		pipelines: pipelines,
		history:   history,
		gatherer:  gatherer,
		secret:    secret,
		runCtx:    context.WithoutCancel(ctx),
		active:    make(map[string]bool),
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logger.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	router.POST("/hooks/github", s.handleGitHub)
	router.GET("/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.history.List())
	})
	router.GET("/runs/:id", func(c *gin.Context) {
		run, ok := s.history.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusOK, run)
	})
	return router
}

func (s *Server) handleGitHub(c *gin.Context) {
	ctx := c.Request.Context()
	if len(s.secret) == 0 {
		logger.Error(ctx, "environment misconfiguration", "error", errSecretUnset)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected server error"})
		return
	}
	payload, err := github.ValidatePayload(c.Request, s.secret)
	if err != nil {
		logger.Warn(ctx, "failed to validate signature", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized.Error()})
		return
	}
	e, err := github.ParseWebHook(github.WebHookType(c.Request), payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("failed to parse webhook event: %v", err)})
		return
	}
	switch e := e.(type) {
	case *github.PingEvent:
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	case *github.PushEvent:
		s.handlePush(c, e)
	default:
		c.JSON(http.StatusNotImplemented, gin.H{"error": "only push events are supported"})
	}
}

func (s *Server) handlePush(c *gin.Context, e *github.PushEvent) {
	ctx := c.Request.Context()
	branch, ok := strings.CutPrefix(e.GetRef(), "refs/heads/")
	if !ok || e.GetDeleted() {
		c.JSON(http.StatusOK, gin.H{"message": "ignored " + e.GetRef()})
		return
	}
	repo := e.GetRepo().GetCloneURL()
	if repo == "" {
		repo = e.GetRepo().GetHTMLURL()
	}
	matched := s.pipelines.ForPush(repo, branch)
	logger.Debug(ctx, "push received", "repo", repo, "branch", branch, "pipelines", len(matched))
	if len(matched) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("no pipeline builds %s@%s", repo, branch)})
		return
	}

	started, busy := []string{}, []string{}
	for _, p := range matched {
		if s.Trigger(p.Name, e.GetAfter()) {
			started = append(started, p.Name)
		} else {
			busy = append(busy, p.Name)
		}
	}
	if len(started) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress", "busy": busy})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": started, "busy": busy})
}

// Trigger starts a run of name at commit in the background unless one is
// already in progress for that pipeline.
func (s *Server) Trigger(name, commit string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[name] {
		return false
	}
	s.active[name] = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, name)
			s.mu.Unlock()
		}()
		// the runner logs and records the outcome itself
		_, _ = s.runner.Run(s.runCtx, pipeline.Request{Pipeline: name, Commit: commit})
	}()
	return true
}

// Wait blocks until every triggered run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Serve listens until ctx is cancelled, then drains in-flight runs. With
// tlsDomains set it serves HTTPS on :443 with certificates from Let's
// Encrypt and ignores addr.
func (s *Server) Serve(ctx context.Context, addr string, tlsDomains []string) error {
	router := s.Router()
	if len(tlsDomains) > 0 {
		logger.Info(ctx, "serving with automatic TLS", "domains", tlsDomains)
		err := autotls.RunWithContext(ctx, router, tlsDomains...)
		s.Wait()
		return err
	}

	srv := &http.Server{
		Handler:           router,
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "failed to shutdown server", "error", err)
	}
	logger.Info(ctx, "waiting for runs in progress")
	s.Wait()
	logger.Info(ctx, "server exiting")
	return nil
}
