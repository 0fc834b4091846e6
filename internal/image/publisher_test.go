package image

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, handler func(http.Handler) http.Handler) string {
	t.Helper()
	var h http.Handler = registry.New(registry.Logger(log.New(io.Discard, "", 0)))
	if handler != nil {
		h = handler(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func writeTarball(t *testing.T, repo string) (string, v1.Image) {
	t.Helper()
	img, err := random.Image(512, 2)
	require.NoError(t, err)
	tag, err := name.NewTag(repo + ":local")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "image.tar")
	require.NoError(t, tarball.WriteToFile(path, tag, img))
	return path, img
}

func TestPublishResolvePromote(t *testing.T) {
	host := newTestRegistry(t, nil)
	ctx := context.Background()
	p := NewPublisher(Credentials{})

	ref, err := ParseReference(host+"/example/backend", "abc123-run1")
	require.NoError(t, err)

	_, found, err := p.Resolve(ctx, ref.WithTag("latest"))
	require.NoError(t, err)
	assert.False(t, found, "fresh registry has no latest")

	path, _ := writeTarball(t, host+"/example/backend")
	pushed, err := p.Publish(ctx, path, ref)
	require.NoError(t, err)
	require.NotEmpty(t, pushed.Digest)
	assert.Equal(t, "abc123-run1", pushed.Tag)

	resolved, found, err := p.Resolve(ctx, ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, pushed.Digest, resolved.Digest)

	require.NoError(t, p.Promote(ctx, pushed, "latest"))
	latest, found, err := p.Resolve(ctx, ref.WithTag("latest"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, pushed.Digest, latest.Digest)

	// a second build moves latest only when promoted
	path2, _ := writeTarball(t, host+"/example/backend")
	second, err := p.Publish(ctx, path2, ref.WithTag("def456-run2"))
	require.NoError(t, err)
	assert.NotEqual(t, pushed.Digest, second.Digest)

	latest, _, err = p.Resolve(ctx, ref.WithTag("latest"))
	require.NoError(t, err)
	assert.Equal(t, pushed.Digest, latest.Digest)
}

func TestPromoteWithoutDigest(t *testing.T) {
	p := NewPublisher(Credentials{})
	ref, err := ParseReference("registry.example.com/example/backend", "latest")
	require.NoError(t, err)
	require.ErrorIs(t, p.Promote(context.Background(), ref, "latest"), ErrPromoteFailed)
}

func TestPublishMissingTarball(t *testing.T) {
	p := NewPublisher(Credentials{})
	ref, err := ParseReference("registry.example.com/example/backend", "v1")
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), filepath.Join(t.TempDir(), "nope.tar"), ref)
	require.ErrorIs(t, err, ErrPublishFailed)
}

func TestLogin(t *testing.T) {
	basicOnly := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "ci" || pass != "s3cret" {
				w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	host := newTestRegistry(t, basicOnly)
	ref, err := ParseReference(host+"/example/backend", "latest")
	require.NoError(t, err)

	testCases := []struct {
		name       string
		creds      Credentials
		assertions func(*testing.T, error)
	}{
		{
			name:  "valid credentials",
			creds: Credentials{Username: "ci", Password: "s3cret"},
			assertions: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
		{
			name:  "wrong password",
			creds: Credentials{Username: "ci", Password: "nope"},
			assertions: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrAuthFailed)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := NewPublisher(testCase.creds).Login(context.Background(), ref)
			testCase.assertions(t, err)
		})
	}
}

func TestClassify(t *testing.T) {
	denied := &transport.Error{StatusCode: http.StatusForbidden}
	require.ErrorIs(t, classify(ErrPublishFailed, "x", denied), ErrAuthFailed)

	broken := &transport.Error{StatusCode: http.StatusInternalServerError}
	err := classify(ErrPublishFailed, "x", broken)
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.NotErrorIs(t, err, ErrAuthFailed)
}
