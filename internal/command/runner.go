package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
)

var (
	ErrEmptyCommand = errors.New("command: executable can not be empty")
	ErrStartFailed  = errors.New("command: start failed")
	ErrExitFailed   = errors.New("command: exited with error")
)

type Command struct {
	Dir        string
	Executable string
	Args       []string
	Env        []string
	Stdin      io.Reader
}

func (c Command) String() string {
	return strings.TrimSpace(c.Executable + " " + strings.Join(c.Args, " "))
}

type Runner interface {
	// Run executes the command, streams its output to the log and returns
	// the captured stdout.
	Run(ctx context.Context, cmd Command) (string, error)
}

func NewRunner() Runner {
	return &runner{}
}

type runner struct{}

func (r *runner) Run(ctx context.Context, c Command) (string, error) {
	if c.Executable == "" {
		return "", ErrEmptyCommand
	}
	// nolint:gosec
	cmd := exec.CommandContext(ctx, c.Executable, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errs.Wrap(ErrStartFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errs.Wrap(ErrStartFailed, err)
	}

	log := logger.From(ctx).With("cmd", c.Executable)
	log.Debug("running", "args", c.Args, "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		return "", errs.WrapMsgErr(ErrStartFailed, c.String(), err)
	}

	var out bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logPipe(ctx, log, io.TeeReader(stdout, &out), slog.LevelInfo, "stdout")
	}()
	go func() {
		defer wg.Done()
		logPipe(ctx, log, stderr, slog.LevelWarn, "stderr")
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return out.String(), errs.WrapMsgErr(ErrExitFailed, c.String(), err)
	}
	return out.String(), nil
}

func logPipe(ctx context.Context, log *slog.Logger, r io.Reader, level slog.Level, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Log(ctx, level, scanner.Text(), "stream", stream)
	}
	// drain whatever is left so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}
