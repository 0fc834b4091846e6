package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vinr.eu/rollout/internal/topology"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	testCases := []struct {
		name       string
		args       []string
		assertions func(*testing.T, string, error)
	}{
		{
			name: "prod sample",
			args: []string{"validate", filepath.Join("..", "..", "deploy", "docker-compose.yml"), "--env", "prod"},
			assertions: func(t *testing.T, out string, err error) {
				require.NoError(t, err)
				assert.Contains(t, out, "valid prod descriptor")
				assert.Contains(t, out, "APP_IMAGE")
			},
		},
		{
			name: "dev sample has warnings only",
			args: []string{"validate", filepath.Join("..", "..", "deploy", "docker-compose.dev.yml"), "--env", "dev"},
			assertions: func(t *testing.T, out string, err error) {
				require.NoError(t, err)
				assert.Contains(t, out, "warning: ")
				assert.Contains(t, out, "valid dev descriptor")
			},
		},
		{
			name: "dev sample is not a prod descriptor",
			args: []string{"validate", filepath.Join("..", "..", "deploy", "docker-compose.dev.yml"), "--env", "prod"},
			assertions: func(t *testing.T, out string, err error) {
				require.ErrorIs(t, err, topology.ErrInvalid)
				assert.Contains(t, out, "error: ")
			},
		},
		{
			name: "unknown environment",
			args: []string{"validate", filepath.Join("..", "..", "deploy", "docker-compose.yml"), "--env", "staging"},
			assertions: func(t *testing.T, _ string, err error) {
				require.ErrorIs(t, err, topology.ErrInvalid)
			},
		},
		{
			name: "missing file",
			args: []string{"validate", "nope.yml"},
			assertions: func(t *testing.T, _ string, err error) {
				require.ErrorIs(t, err, topology.ErrReadFailed)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			out, err := execute(t, testCase.args...)
			testCase.assertions(t, out, err)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, `"goVersion"`)
}

func TestRunCommandNeedsPipeline(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
}
