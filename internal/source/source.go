package source

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"vinr.eu/rollout/internal/errs"
)

var (
	ErrUnsupportedProvider = errors.New("source: unsupported provider")
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken serves a token known up front, such as one from the process
// environment.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Revision struct {
	Branch string
	Commit string
}

type Source interface {
	Fetch(ctx context.Context, dest string) (Revision, error)
}

func New(repoURL, branch, commit string, tp TokenProvider) (Source, error) {
	switch {
	case isHTTP(repoURL), strings.HasPrefix(repoURL, "file://"), filepath.IsAbs(repoURL):
		return NewGitSource(repoURL, branch, tp).AtCommit(commit), nil
	default:
		return nil, errs.WrapMsg(ErrUnsupportedProvider, repoURL)
	}
}
