// Package registry knows where built images go, and how to log in there.
package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	gcrname "github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	xe "github.com/opst/knitlaunch/pkg/errors"
)

type Type string

const (
	TypeLocal  Type = "local"
	TypeRemote Type = "remote"
	TypeECR    Type = "ecr"
	TypeGCP    Type = "gcp"
)

type Registry interface {
	Type() Type

	// URI is the repository which images are pushed into. It is empty for the local registry.
	URI(ctx context.Context) (string, error)

	// Credentials returns username and password to log in to the registry.
	//
	// Both are empty when no login is needed.
	Credentials(ctx context.Context) (username string, password string, err error)

	// ImageExists reports whether the image (repository:tag) is in the registry.
	ImageExists(ctx context.Context, image string) (bool, error)
}

// Host returns the registry host part of an image or repository reference.
func Host(ref string) string {
	r, err := gcrname.ParseReference(ref)
	if err != nil {
		if i := strings.Index(ref, "/"); 0 < i {
			return ref[:i]
		}
		return ref
	}
	return r.Context().RegistryStr()
}

// headImage asks the registry serving image for its manifest.
func headImage(ctx context.Context, image string, keychain authn.Keychain, opts ...remote.Option) (bool, error) {
	ref, err := gcrname.ParseReference(image)
	if err != nil {
		return false, xe.NewLaunchError("invalid image reference %q: %w", image, err)
	}
	opts = append(
		[]remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(keychain)},
		opts...,
	)
	if _, err := remote.Head(ref, opts...); err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, xe.Wrap(err)
	}
	return true, nil
}

// resolveBasic resolves credentials of the registry host through the keychain.
func resolveBasic(keychain authn.Keychain, host string) (string, string, error) {
	reg, err := gcrname.NewRegistry(host)
	if err != nil {
		return "", "", xe.NewLaunchError("invalid registry %q: %w", host, err)
	}
	auth, err := keychain.Resolve(reg)
	if err != nil {
		return "", "", xe.Wrap(err)
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return "", "", xe.Wrap(err)
	}
	if cfg.IdentityToken != "" && cfg.Username == "" {
		return "<token>", cfg.IdentityToken, nil
	}
	return cfg.Username, cfg.Password, nil
}
