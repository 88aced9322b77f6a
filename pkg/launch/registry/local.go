package registry

import (
	"context"
)

// ImageInspector finds images in the local image store.
type ImageInspector interface {
	ImageExists(ctx context.Context, image string) (bool, error)
}

// Local is the image store of the local docker daemon.
type Local struct {
	Docker ImageInspector
}

var _ Registry = Local{}

func (Local) Type() Type {
	return TypeLocal
}

func (Local) URI(context.Context) (string, error) {
	return "", nil
}

func (Local) Credentials(context.Context) (string, string, error) {
	return "", "", nil
}

func (l Local) ImageExists(ctx context.Context, image string) (bool, error) {
	return l.Docker.ImageExists(ctx, image)
}
