package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/v1/google"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	xe "github.com/opst/knitlaunch/pkg/errors"
)

type GCPConfig struct {
	Project    string
	Region     string
	Repository string
	ImageName  string
}

// GCP is a docker repository in Google Artifact Registry.
type GCP struct {
	config   GCPConfig
	keychain authn.Keychain
	opts     []remote.Option
}

var _ Registry = &GCP{}

func NewGCP(c GCPConfig, options ...RemoteOption) (*GCP, error) {
	switch {
	case c.Project == "":
		return nil, xe.NewLaunchError("gcp project is required for an artifact registry")
	case c.Region == "":
		return nil, xe.NewLaunchError("gcp region is required for an artifact registry")
	case c.Repository == "":
		return nil, xe.NewLaunchError("registry.repository is required for an artifact registry")
	case c.ImageName == "":
		return nil, xe.NewLaunchError("registry.image_name is required for an artifact registry")
	}

	// reuse Remote options for keychain and transport.
	r := &Remote{keychain: google.Keychain}
	for _, o := range options {
		r = o(r)
	}
	return &GCP{config: c, keychain: r.keychain, opts: r.opts}, nil
}

func (g *GCP) Type() Type {
	return TypeGCP
}

func (g *GCP) host() string {
	return fmt.Sprintf("%s-docker.pkg.dev", g.config.Region)
}

func (g *GCP) URI(context.Context) (string, error) {
	return fmt.Sprintf("%s/%s/%s/%s", g.host(), g.config.Project, g.config.Repository, g.config.ImageName), nil
}

func (g *GCP) Credentials(context.Context) (string, string, error) {
	return resolveBasic(g.keychain, g.host())
}

func (g *GCP) ImageExists(ctx context.Context, image string) (bool, error) {
	return headImage(ctx, image, g.keychain, g.opts...)
}
