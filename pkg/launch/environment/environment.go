// Package environment gives builders and runners access to the cloud they run against:
// credentials, and object storage for build contexts.
package environment

import (
	"context"
	"net/url"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

type Type string

const (
	TypeLocal Type = "local"
	TypeAWS   Type = "aws"
	TypeGCP   Type = "gcp"
)

type Environment interface {
	Type() Type

	// Verify checks credentials of the environment work.
	Verify(ctx context.Context) error

	// VerifyStorageURI checks the storage location is reachable.
	VerifyStorageURI(ctx context.Context, uri string) error

	// UploadFile uploads a local file to the storage uri.
	UploadFile(ctx context.Context, src string, dst string) error

	// UploadDir uploads files in the local directory under the storage uri prefix.
	UploadDir(ctx context.Context, src string, dst string) error
}

// StorageURI is a location in object storage, like s3://bucket/key.
type StorageURI struct {
	Scheme string
	Bucket string
	Key    string
}

func (s StorageURI) String() string {
	if s.Key == "" {
		return s.Scheme + "://" + s.Bucket
	}
	return s.Scheme + "://" + s.Bucket + "/" + s.Key
}

// Join returns the uri with path elements appended to its key.
func (s StorageURI) Join(elem ...string) StorageURI {
	parts := []string{}
	if k := strings.Trim(s.Key, "/"); k != "" {
		parts = append(parts, k)
	}
	for _, e := range elem {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	s.Key = strings.Join(parts, "/")
	return s
}

// ParseStorageURI parses uri and checks its scheme is the one expected.
func ParseStorageURI(uri string, scheme string) (StorageURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return StorageURI{}, xe.NewLaunchError("invalid storage uri %q: %w", uri, err)
	}
	if u.Scheme != scheme {
		return StorageURI{}, xe.NewLaunchError("storage uri %q should start with %s://", uri, scheme)
	}
	if u.Host == "" {
		return StorageURI{}, xe.NewLaunchError("storage uri %q has no bucket", uri)
	}
	return StorageURI{Scheme: u.Scheme, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
}
