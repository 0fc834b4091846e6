package image

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"vinr.eu/rollout/internal/errs"
)

var (
	ErrInvalidReference = errors.New("image: invalid reference")
)

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Reference names one image in one registry. Tag is the pointer the pipeline
// pushes to; Digest is set once the image has been published.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

func ParseReference(repository, tag string, opts ...name.Option) (Reference, error) {
	t, err := name.NewTag(repository+":"+tag, append([]name.Option{name.StrictValidation}, opts...)...)
	if err != nil {
		return Reference{}, errs.WrapMsgErr(ErrInvalidReference, repository+":"+tag, err)
	}
	return Reference{
		Registry:   t.RegistryStr(),
		Repository: t.RepositoryStr(),
		Tag:        t.TagStr(),
	}, nil
}

// Name is registry/repository without tag or digest.
func (r Reference) Name() string {
	return r.Registry + "/" + r.Repository
}

func (r Reference) String() string {
	if r.Digest != "" {
		return r.Name() + "@" + r.Digest
	}
	return r.Name() + ":" + r.Tag
}

func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

func (r Reference) WithDigest(digest string) Reference {
	r.Digest = digest
	return r
}

// BuildTag derives the immutable tag a single build is pushed under.
func BuildTag(commit, runID string) string {
	var parts []string
	if commit != "" {
		parts = append(parts, shorten(commit, 12))
	}
	if runID != "" {
		parts = append(parts, shorten(strings.ReplaceAll(runID, "-", ""), 8))
	}
	if len(parts) == 0 {
		return "build"
	}
	return tagUnsafe.ReplaceAllString(strings.Join(parts, "-"), "_")
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
