package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
)

var (
	ErrInvalidOptions = errors.New("remote: invalid options")
	ErrDialFailed     = errors.New("remote: dial failed")
	ErrAuthFailed     = errors.New("remote: authentication failed")
	ErrHostKey        = errors.New("remote: host key mismatch")
	ErrCommandFailed  = errors.New("remote: command failed")
	ErrUploadFailed   = errors.New("remote: upload failed")
)

const defaultDialTimeout = 30 * time.Second

type Options struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	// HostKey is the expected SHA256 fingerprint, as printed by ssh-keygen -lf.
	HostKey        string
	KnownHostsFile string
	DialTimeout    time.Duration
}

func (o Options) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

type Client struct {
	conn *ssh.Client
	addr string
}

// Dial opens an SSH connection authenticated with the private key. The host
// key must match either the pinned fingerprint or the known_hosts file.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, errs.WrapMsg(ErrInvalidOptions, "host and user are required")
	}
	if len(opts.PrivateKey) == 0 {
		return nil, errs.WrapMsg(ErrInvalidOptions, "private key is required")
	}
	signer, err := ssh.ParsePrivateKey(opts.PrivateKey)
	if err != nil {
		return nil, errs.WrapMsgErr(ErrInvalidOptions, "private key", err)
	}
	hostKeyCallback, err := hostKeyChecker(opts)
	if err != nil {
		return nil, err
	}
	var hostKeyErr error
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	cfg := &ssh.ClientConfig{
		User: opts.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := hostKeyCallback(hostname, remote, key); err != nil {
				hostKeyErr = errs.WrapMsgErr(ErrHostKey, hostname, err)
				return hostKeyErr
			}
			return nil
		},
		Timeout: timeout,
	}

	addr := opts.addr()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.WrapMsgErr(ErrDialFailed, addr, err)
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		switch {
		case hostKeyErr != nil:
			return nil, hostKeyErr
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, errs.WrapMsgErr(ErrAuthFailed, opts.User+"@"+addr, err)
		default:
			return nil, errs.WrapMsgErr(ErrDialFailed, addr, err)
		}
	}
	_ = conn.SetDeadline(time.Time{})
	logger.Debug(ctx, "ssh connected", "addr", addr, "user", opts.User)
	return &Client{conn: ssh.NewClient(sshConn, chans, reqs), addr: addr}, nil
}

func hostKeyChecker(opts Options) (ssh.HostKeyCallback, error) {
	switch {
	case opts.HostKey != "" && opts.KnownHostsFile != "":
		return nil, errs.WrapMsg(ErrInvalidOptions, "set either a host key fingerprint or a known_hosts file")
	case opts.HostKey != "":
		want := opts.HostKey
		return func(_ string, _ net.Addr, key ssh.PublicKey) error {
			if got := ssh.FingerprintSHA256(key); got != want {
				return fmt.Errorf("got %s, want %s", got, want)
			}
			return nil
		}, nil
	case opts.KnownHostsFile != "":
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, errs.WrapMsgErr(ErrInvalidOptions, "known_hosts", err)
		}
		return cb, nil
	default:
		return nil, errs.WrapMsg(ErrInvalidOptions, "a host key fingerprint or known_hosts file is required")
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Addr() string {
	return c.addr
}

// Run executes cmd in a fresh session and returns its stdout. Cancelling ctx
// kills the remote command.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", errs.WrapMsgErr(ErrCommandFailed, cmd, err)
	}
	defer func() { _ = session.Close() }()

	log := logger.From(ctx).With("host", c.addr)
	log.Debug("remote exec", "cmd", cmd)

	var out bytes.Buffer
	stdoutLog := newLineLogger(ctx, log, slog.LevelInfo, "stdout")
	stderrLog := newLineLogger(ctx, log, slog.LevelWarn, "stderr")
	session.Stdin = stdin
	session.Stdout = io.MultiWriter(&out, stdoutLog)
	session.Stderr = stderrLog

	if err := session.Start(cmd); err != nil {
		return "", errs.WrapMsgErr(ErrCommandFailed, cmd, err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return "", errs.WrapMsgErr(ErrCommandFailed, cmd, ctx.Err())
	case err := <-done:
		stdoutLog.Flush()
		stderrLog.Flush()
		if err != nil {
			return out.String(), errs.WrapMsgErr(ErrCommandFailed, cmd, err)
		}
		return out.String(), nil
	}
}

// MkdirAll creates dir and its parents on the remote host.
func (c *Client) MkdirAll(ctx context.Context, dir string) error {
	_, err := c.Run(ctx, "mkdir -p "+ShellQuote(dir), nil)
	return err
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func parentDir(p string) string {
	return path.Dir(p)
}

type lineLogger struct {
	ctx    context.Context
	log    *slog.Logger
	level  slog.Level
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineLogger(ctx context.Context, log *slog.Logger, level slog.Level, stream string) *lineLogger {
	return &lineLogger{ctx: ctx, log: log, level: level, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		l.log.Log(l.ctx, l.level, strings.TrimRight(line, "\r\n"), "stream", l.stream)
	}
}

func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.log.Log(l.ctx, l.level, l.buf.String(), "stream", l.stream)
		l.buf.Reset()
	}
}
