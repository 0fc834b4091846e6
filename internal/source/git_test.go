package source

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrigin(t *testing.T) (string, *git.Repository) {
	t.Helper()
	// the file transport shells out to git-upload-pack
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git is not installed")
	}
	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	return dir, repo
}

func commitFile(t *testing.T, dir string, repo *git.Repository, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add(name)
	require.NoError(t, err)
	hash, err := w.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestFetch(t *testing.T) {
	originDir, origin := newOrigin(t)
	first := commitFile(t, originDir, origin, "Dockerfile", "FROM scratch\n")

	dest := filepath.Join(t.TempDir(), "checkout")
	src, err := New(originDir, "main", "", nil)
	require.NoError(t, err)

	rev, err := src.Fetch(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, Revision{Branch: "main", Commit: first}, rev)
	assert.FileExists(t, filepath.Join(dest, "Dockerfile"))

	second := commitFile(t, originDir, origin, "Dockerfile", "FROM busybox\n")
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stray.txt"), []byte("x"), 0o644))

	rev, err = src.Fetch(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, second, rev.Commit)
	content, err := os.ReadFile(filepath.Join(dest, "Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, "FROM busybox\n", string(content))
	assert.NoFileExists(t, filepath.Join(dest, "stray.txt"))

	pinned, err := New(originDir, "main", first, nil)
	require.NoError(t, err)
	rev, err = pinned.Fetch(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, first, rev.Commit)
	content, err = os.ReadFile(filepath.Join(dest, "Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, "FROM scratch\n", string(content))

	// back to the tip, dropping local edits to tracked files
	require.NoError(t, os.WriteFile(filepath.Join(dest, "Dockerfile"), []byte("edited\n"), 0o644))
	rev, err = src.Fetch(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, second, rev.Commit)
	content, err = os.ReadFile(filepath.Join(dest, "Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, "FROM busybox\n", string(content))
}

func TestFetchUnknownCommit(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git is not installed")
	}
	originDir, origin := newOrigin(t)
	commitFile(t, originDir, origin, "Dockerfile", "FROM scratch\n")

	src, err := New(originDir, "main", "0123456789abcdef0123456789abcdef01234567", nil)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), filepath.Join(t.TempDir(), "checkout"))
	require.ErrorIs(t, err, ErrResetFailed)
	assert.ErrorContains(t, err, "not found on main")
}

func TestFetchTokenFailure(t *testing.T) {
	src := NewGitSource("https://github.com/example/backend.git", "main", func(context.Context) (string, error) {
		return "", errors.New("vault sealed")
	})
	_, err := src.Fetch(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestFetchMissingRepository(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git is not installed")
	}
	src := NewGitSource(filepath.Join(t.TempDir(), "nope"), "main", StaticToken(""))
	_, err := src.Fetch(context.Background(), filepath.Join(t.TempDir(), "dest"))
	require.ErrorIs(t, err, ErrCloneFailed)
}

func TestNew(t *testing.T) {
	_, err := New("git@github.com:example/backend.git", "main", "", nil)
	require.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = New("https://github.com/example/backend.git", "", "", nil)
	require.NoError(t, err)
}
