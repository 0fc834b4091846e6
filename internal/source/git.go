package source

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
)

var (
	ErrAuthFailed  = errors.New("source: auth token retrieval failed")
	ErrRepoInvalid = errors.New("source: invalid git repository")
	ErrSyncFailed  = errors.New("source: sync operation failed")
	ErrCloneFailed = errors.New("source: clone operation failed")
	ErrResetFailed = errors.New("source: reset failed")
)

type GitSource struct {
	repoURL    string
	branch     string
	commit     string
	fetchToken TokenProvider
}

func NewGitSource(repoURL, branch string, tp TokenProvider) *GitSource {
	if branch == "" {
		branch = "main"
	}
	return &GitSource{
		repoURL:    repoURL,
		branch:     branch,
		fetchToken: tp,
	}
}

// AtCommit pins the checkout to sha instead of the branch tip.
func (s *GitSource) AtCommit(sha string) *GitSource {
	s.commit = sha
	return s
}

func (s *GitSource) auth(ctx context.Context) (transport.AuthMethod, error) {
	if s.fetchToken == nil {
		return nil, nil
	}
	token, err := s.fetchToken(ctx)
	if err != nil {
		return nil, errs.Wrap(ErrAuthFailed, err)
	}
	if token == "" {
		return nil, nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: token}, nil
}

// Fetch brings dest to the pinned commit, or to the branch tip when nothing
// is pinned. An existing checkout is reused; local changes and untracked
// files are discarded.
func (s *GitSource) Fetch(ctx context.Context, dest string) (Revision, error) {
	auth, err := s.auth(ctx)
	if err != nil {
		return Revision{}, err
	}
	repo, err := s.open(ctx, dest, auth)
	if err != nil {
		return Revision{}, err
	}
	target, err := s.target(repo)
	if err != nil {
		return Revision{}, err
	}
	if err := s.checkout(repo, target); err != nil {
		return Revision{}, err
	}
	rev := Revision{Branch: s.branch, Commit: target.String()}
	logger.Info(ctx, "source ready", "path", dest, "commit", rev.Commit)
	return rev, nil
}

// open clones the branch on first use and fetches it into an existing
// checkout afterwards.
func (s *GitSource) open(ctx context.Context, dest string, auth transport.AuthMethod) (*git.Repository, error) {
	if _, err := os.Stat(dest); err != nil {
		logger.Info(ctx, "cloning repository", "url", s.repoURL, "branch", s.branch)
		opts := &git.CloneOptions{
			URL:           s.repoURL,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(s.branch),
			SingleBranch:  true,
			Progress:      io.Discard,
		}
		// a pinned commit may be older than the tip
		if s.commit == "" && isHTTP(s.repoURL) {
			opts.Depth = 1
		}
		repo, err := git.PlainCloneContext(ctx, dest, false, opts)
		if err != nil {
			return nil, errs.Wrap(ErrCloneFailed, err)
		}
		return repo, nil
	}

	logger.Info(ctx, "updating checkout", "path", dest, "branch", s.branch)
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return nil, errs.Wrap(ErrRepoInvalid, err)
	}
	remoteRef := plumbing.NewRemoteReferenceName("origin", s.branch)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		Auth:     auth,
		Progress: io.Discard,
		RefSpecs: []config.RefSpec{config.RefSpec("+" + plumbing.NewBranchReferenceName(s.branch).String() + ":" + remoteRef.String())},
		Force:    true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, errs.Wrap(ErrSyncFailed, err)
	}
	return repo, nil
}

// target is the pinned commit when set and the fetched branch tip otherwise.
func (s *GitSource) target(repo *git.Repository) (plumbing.Hash, error) {
	if s.commit != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(s.commit))
		if err != nil {
			return plumbing.ZeroHash, errs.WrapMsgErr(ErrResetFailed, "commit "+s.commit+" not found on "+s.branch, err)
		}
		return *hash, nil
	}
	remoteRef := plumbing.NewRemoteReferenceName("origin", s.branch)
	hash, err := repo.ResolveRevision(plumbing.Revision(remoteRef))
	if err != nil {
		return plumbing.ZeroHash, errs.WrapMsgErr(ErrSyncFailed, "branch "+s.branch+" not fetched", err)
	}
	return *hash, nil
}

// checkout points the local branch at target and makes the worktree match
// it exactly.
func (s *GitSource) checkout(repo *git.Repository, target plumbing.Hash) error {
	w, err := repo.Worktree()
	if err != nil {
		return errs.Wrap(ErrRepoInvalid, err)
	}
	branchRef := plumbing.NewBranchReferenceName(s.branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, target)); err != nil {
		return errs.WrapMsgErr(ErrResetFailed, "moving "+s.branch, err)
	}
	if err := w.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return errs.WrapMsgErr(ErrResetFailed, "checkout "+s.branch, err)
	}
	if err := w.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return errs.WrapMsgErr(ErrSyncFailed, "clean failed", err)
	}
	return nil
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}
