package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"vinr.eu/rollout/internal/remote/remotetest"
)

func dialTest(t *testing.T, handler remotetest.Handler) (*Client, *remotetest.Server) {
	t.Helper()
	key, pub := remotetest.GenerateKey(t)
	srv := remotetest.NewServer(t, pub, handler)
	c, err := Dial(context.Background(), Options{
		Host:       srv.Host,
		Port:       srv.Port,
		User:       "deploy",
		PrivateKey: key,
		HostKey:    srv.Fingerprint,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestDial(t *testing.T) {
	key, pub := remotetest.GenerateKey(t)
	otherKey, _ := remotetest.GenerateKey(t)
	srv := remotetest.NewServer(t, pub, nil)

	testCases := []struct {
		name       string
		opts       Options
		assertions func(*testing.T, *Client, error)
	}{
		{
			name: "pinned fingerprint",
			opts: Options{Host: srv.Host, Port: srv.Port, User: "deploy", PrivateKey: key, HostKey: srv.Fingerprint},
			assertions: func(t *testing.T, c *Client, err error) {
				require.NoError(t, err)
				require.NoError(t, c.Close())
			},
		},
		{
			name: "wrong fingerprint",
			opts: Options{Host: srv.Host, Port: srv.Port, User: "deploy", PrivateKey: key, HostKey: "SHA256:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
			assertions: func(t *testing.T, _ *Client, err error) {
				require.ErrorIs(t, err, ErrHostKey)
			},
		},
		{
			name: "unknown client key",
			opts: Options{Host: srv.Host, Port: srv.Port, User: "deploy", PrivateKey: otherKey, HostKey: srv.Fingerprint},
			assertions: func(t *testing.T, _ *Client, err error) {
				require.ErrorIs(t, err, ErrAuthFailed)
			},
		},
		{
			name: "no host key check configured",
			opts: Options{Host: srv.Host, Port: srv.Port, User: "deploy", PrivateKey: key},
			assertions: func(t *testing.T, _ *Client, err error) {
				require.ErrorIs(t, err, ErrInvalidOptions)
			},
		},
		{
			name: "garbage key",
			opts: Options{Host: srv.Host, Port: srv.Port, User: "deploy", PrivateKey: []byte("nope"), HostKey: srv.Fingerprint},
			assertions: func(t *testing.T, _ *Client, err error) {
				require.ErrorIs(t, err, ErrInvalidOptions)
			},
		},
		{
			name: "nothing listening",
			opts: Options{Host: "127.0.0.1", Port: 1, User: "deploy", PrivateKey: key, HostKey: srv.Fingerprint, DialTimeout: time.Second},
			assertions: func(t *testing.T, _ *Client, err error) {
				require.ErrorIs(t, err, ErrDialFailed)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			c, err := Dial(context.Background(), testCase.opts)
			testCase.assertions(t, c, err)
		})
	}
}

func TestDialKnownHosts(t *testing.T) {
	key, pub := remotetest.GenerateKey(t)
	srv := remotetest.NewServer(t, pub, nil)
	opts := Options{Host: srv.Host, Port: srv.Port, User: "deploy", PrivateKey: key}

	file := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(opts.addr())}, srv.HostKey)
	require.NoError(t, os.WriteFile(file, []byte(line+"\n"), 0o600))
	opts.KnownHostsFile = file

	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	_ = c.Close()

	_, otherHost := remotetest.GenerateKey(t)
	line = knownhosts.Line([]string{knownhosts.Normalize(opts.addr())}, otherHost)
	require.NoError(t, os.WriteFile(file, []byte(line+"\n"), 0o600))
	_, err = Dial(context.Background(), opts)
	require.ErrorIs(t, err, ErrHostKey)
}

func TestRun(t *testing.T) {
	c, srv := dialTest(t, func(cmd string, stdin []byte) (string, uint32) {
		switch cmd {
		case "echo hi":
			return "hi\n", 0
		case "cat":
			return string(stdin), 0
		default:
			return "", 2
		}
	})
	ctx := context.Background()

	out, err := c.Run(ctx, "echo hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)

	out, err = c.Run(ctx, "cat", strings.NewReader("secret-from-stdin"))
	require.NoError(t, err)
	assert.Equal(t, "secret-from-stdin", out)

	_, err = c.Run(ctx, "false", nil)
	require.ErrorIs(t, err, ErrCommandFailed)
	var exitErr *ssh.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitStatus())

	assert.Equal(t, []string{"echo hi", "cat", "false"}, srv.Commands())
}

func TestRunCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c, _ := dialTest(t, func(string, []byte) (string, uint32) {
		<-release
		return "", 0
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Run(ctx, "sleep forever", nil)
	require.ErrorIs(t, err, ErrCommandFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpload(t *testing.T) {
	c, srv := dialTest(t, nil)
	ctx := context.Background()
	descriptor := []byte("services:\n  app:\n    image: ${APP_IMAGE}\n\x00binary-tail\n")

	require.NoError(t, c.Upload(ctx, "/home/deploy/backend/docker-compose.yml", 0o644, descriptor))
	f, ok := srv.File("/home/deploy/backend/docker-compose.yml")
	require.True(t, ok)
	assert.Equal(t, descriptor, f.Content)
	assert.Equal(t, os.FileMode(0o644), f.Mode)

	// re-running overwrites and re-applies the mode
	require.NoError(t, c.Upload(ctx, "/home/deploy/backend/docker-compose.yml", 0o600, []byte("v2")))
	f, _ = srv.File("/home/deploy/backend/docker-compose.yml")
	assert.Equal(t, []byte("v2"), f.Content)
	assert.Equal(t, os.FileMode(0o600), f.Mode)

	assert.Contains(t, srv.Commands(), "mkdir -p '/home/deploy/backend'")

	err := c.Upload(ctx, "relative/path", 0o644, descriptor)
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, "'/srv/app'", ShellQuote("/srv/app"))
	assert.Equal(t, `'it'"'"'s'`, ShellQuote("it's"))
}
