package registry

import (
	"context"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	xe "github.com/opst/knitlaunch/pkg/errors"
)

// Remote is a generic registry. Credentials come from the docker config of the agent.
type Remote struct {
	uri      string
	keychain authn.Keychain
	opts     []remote.Option
}

var _ Registry = &Remote{}

type RemoteOption func(*Remote) *Remote

// WithKeychain replaces the keychain, which is authn.DefaultKeychain by default.
func WithKeychain(kc authn.Keychain) RemoteOption {
	return func(r *Remote) *Remote {
		r.keychain = kc
		return r
	}
}

// WithRemoteOptions passes options to go-containerregistry requests.
func WithRemoteOptions(opts ...remote.Option) RemoteOption {
	return func(r *Remote) *Remote {
		r.opts = append(r.opts, opts...)
		return r
	}
}

func NewRemote(uri string, options ...RemoteOption) (*Remote, error) {
	if uri == "" {
		return nil, xe.NewLaunchError("registry uri is required for a remote registry")
	}
	r := &Remote{uri: uri, keychain: authn.DefaultKeychain}
	for _, o := range options {
		r = o(r)
	}
	return r, nil
}

func (r *Remote) Type() Type {
	return TypeRemote
}

func (r *Remote) URI(context.Context) (string, error) {
	return r.uri, nil
}

func (r *Remote) Credentials(context.Context) (string, string, error) {
	return resolveBasic(r.keychain, Host(r.uri))
}

func (r *Remote) ImageExists(ctx context.Context, image string) (bool, error) {
	return headImage(ctx, image, r.keychain, r.opts...)
}
