package image

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/hashicorp/go-cleanhttp"
	"vinr.eu/rollout/internal/errs"
	"vinr.eu/rollout/internal/logger"
)

var (
	ErrAuthFailed    = errors.New("image: registry authentication failed")
	ErrPublishFailed = errors.New("image: publish failed")
	ErrResolveFailed = errors.New("image: resolve failed")
	ErrPromoteFailed = errors.New("image: promote failed")
)

type Credentials struct {
	Username string
	Password string
}

// Publisher moves exported images into a registry and manages the tags that
// point at them.
type Publisher struct {
	auth      authn.Authenticator
	transport http.RoundTripper
	nameOpts  []name.Option
}

type PublisherOption func(*Publisher)

// WithInsecure allows plain HTTP and unverified TLS registries.
func WithInsecure() PublisherOption {
	return func(p *Publisher) {
		t := cleanhttp.DefaultPooledTransport()
		t.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, // nolint: gosec
		}
		p.transport = t
		p.nameOpts = append(p.nameOpts, name.Insecure)
	}
}

func WithTransport(rt http.RoundTripper) PublisherOption {
	return func(p *Publisher) {
		p.transport = rt
	}
}

func NewPublisher(creds Credentials, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		auth:      authn.Anonymous,
		transport: cleanhttp.DefaultPooledTransport(),
	}
	if creds.Username != "" || creds.Password != "" {
		p.auth = &authn.Basic{Username: creds.Username, Password: creds.Password}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) NameOptions() []name.Option {
	return p.nameOpts
}

func (p *Publisher) options(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(p.auth),
		remote.WithTransport(p.transport),
	}
}

func (p *Publisher) tag(ref Reference) (name.Tag, error) {
	t, err := name.NewTag(ref.Name()+":"+ref.Tag, p.nameOpts...)
	if err != nil {
		return name.Tag{}, errs.WrapMsgErr(ErrInvalidReference, ref.String(), err)
	}
	return t, nil
}

// Login checks the credentials against the registry before anything is
// pushed.
func (p *Publisher) Login(ctx context.Context, ref Reference) error {
	t, err := p.tag(ref)
	if err != nil {
		return err
	}
	repo := t.Context()
	rt, err := transport.NewWithContext(ctx, repo.Registry, p.auth, p.transport, []string{repo.Scope(transport.PushScope)})
	if err != nil {
		return classify(ErrAuthFailed, ref.Registry, err)
	}
	url := fmt.Sprintf("%s://%s/v2/", repo.Registry.Scheme(), repo.RegistryStr())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(ErrAuthFailed, err)
	}
	resp, err := (&http.Client{Transport: rt}).Do(req)
	if err != nil {
		return errs.WrapMsgErr(ErrAuthFailed, ref.Registry, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errs.WrapMsg(ErrAuthFailed, fmt.Sprintf("%s: %s", ref.Registry, resp.Status))
	}
	logger.Debug(ctx, "registry login ok", "registry", ref.Registry)
	return nil
}

// Publish pushes the tarball under ref.Tag and returns ref with its digest.
func (p *Publisher) Publish(ctx context.Context, tarballPath string, ref Reference) (Reference, error) {
	t, err := p.tag(ref)
	if err != nil {
		return Reference{}, err
	}
	img, err := tarball.ImageFromPath(tarballPath, nil)
	if err != nil {
		return Reference{}, errs.WrapMsgErr(ErrPublishFailed, tarballPath, err)
	}
	logger.Info(ctx, "pushing image", "ref", t.String())
	if err := remote.Write(t, img, p.options(ctx)...); err != nil {
		return Reference{}, classify(ErrPublishFailed, t.String(), err)
	}
	digest, err := img.Digest()
	if err != nil {
		return Reference{}, errs.Wrap(ErrPublishFailed, err)
	}
	logger.Info(ctx, "image pushed", "ref", t.String(), "digest", digest.String())
	return ref.WithDigest(digest.String()), nil
}

// Resolve reports the digest ref.Tag currently points at. A missing tag is
// not an error: found is false.
func (p *Publisher) Resolve(ctx context.Context, ref Reference) (Reference, bool, error) {
	t, err := p.tag(ref)
	if err != nil {
		return Reference{}, false, err
	}
	desc, err := remote.Head(t, p.options(ctx)...)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return Reference{}, false, nil
		}
		return Reference{}, false, classify(ErrResolveFailed, t.String(), err)
	}
	return ref.WithDigest(desc.Digest.String()), true, nil
}

// Promote points tag at the manifest identified by src.Digest.
func (p *Publisher) Promote(ctx context.Context, src Reference, tag string) error {
	if src.Digest == "" {
		return errs.WrapMsg(ErrPromoteFailed, "source has no digest")
	}
	digest, err := name.NewDigest(src.Name()+"@"+src.Digest, p.nameOpts...)
	if err != nil {
		return errs.WrapMsgErr(ErrInvalidReference, src.String(), err)
	}
	dst, err := p.tag(src.WithTag(tag))
	if err != nil {
		return err
	}
	desc, err := remote.Get(digest, p.options(ctx)...)
	if err != nil {
		return classify(ErrPromoteFailed, digest.String(), err)
	}
	if err := remote.Tag(dst, desc, p.options(ctx)...); err != nil {
		return classify(ErrPromoteFailed, dst.String(), err)
	}
	logger.Info(ctx, "tag promoted", "tag", dst.String(), "digest", src.Digest)
	return nil
}

func classify(sentinel error, msg string, err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) && (terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden) {
		return errs.WrapMsgErr(ErrAuthFailed, msg, err)
	}
	return errs.WrapMsgErr(sentinel, msg, err)
}
