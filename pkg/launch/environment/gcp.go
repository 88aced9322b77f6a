package environment

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"google.golang.org/api/option"
)

// ObjectStore is the subset of google cloud storage used here.
type ObjectStore interface {
	// BucketExists returns an error when the bucket cannot be read.
	BucketExists(ctx context.Context, bucket string) error
	NewWriter(ctx context.Context, bucket string, object string) io.WriteCloser

	// ServiceAccount returns the email of the service account of the project.
	ServiceAccount(ctx context.Context, project string) (string, error)
}

type GCPConfig struct {
	Project string
	Region  string

	// CredentialsFile is a path to a service account key.
	// When empty, application default credentials are used.
	CredentialsFile string
}

type GCP struct {
	project string
	region  string
	store   ObjectStore
}

var _ Environment = &GCP{}

func NewGCP(ctx context.Context, c GCPConfig) (*GCP, error) {
	if c.Project == "" {
		return nil, xe.NewLaunchError("gcp project is not configured. set environment.project in the agent config")
	}
	opts := []option.ClientOption{}
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, xe.NewLaunchError("could not create gcs client: %w", err)
	}
	return NewGCPWithStore(c.Project, c.Region, gcsStore{client: client}), nil
}

func NewGCPWithStore(project, region string, store ObjectStore) *GCP {
	return &GCP{project: project, region: region, store: store}
}

func (g *GCP) Type() Type {
	return TypeGCP
}

func (g *GCP) Project() string {
	return g.project
}

func (g *GCP) Region() string {
	return g.region
}

func (g *GCP) Verify(ctx context.Context) error {
	if _, err := g.store.ServiceAccount(ctx, g.project); err != nil {
		return xe.NewLaunchError("could not verify gcp credentials for project %s: %w", g.project, err)
	}
	return nil
}

func (g *GCP) VerifyStorageURI(ctx context.Context, uri string) error {
	u, err := ParseStorageURI(uri, "gs")
	if err != nil {
		return err
	}
	if err := g.store.BucketExists(ctx, u.Bucket); err != nil {
		return xe.NewLaunchError("bucket %s is not accessible: %w", u.Bucket, err)
	}
	return nil
}

func (g *GCP) UploadFile(ctx context.Context, src string, dst string) error {
	u, err := ParseStorageURI(dst, "gs")
	if err != nil {
		return err
	}
	return g.put(ctx, src, u)
}

func (g *GCP) UploadDir(ctx context.Context, src string, dst string) error {
	u, err := ParseStorageURI(dst, "gs")
	if err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return g.put(ctx, path, u.Join(filepath.ToSlash(rel)))
	})
}

func (g *GCP) put(ctx context.Context, src string, dst StorageURI) error {
	f, err := os.Open(src)
	if err != nil {
		return xe.Wrap(err)
	}
	defer f.Close()

	w := g.store.NewWriter(ctx, dst.Bucket, dst.Key)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return xe.WrapWithNote("upload to "+dst.String(), err)
	}
	if err := w.Close(); err != nil {
		return xe.WrapWithNote("upload to "+dst.String(), err)
	}
	return nil
}

type gcsStore struct {
	client *storage.Client
}

func (s gcsStore) BucketExists(ctx context.Context, bucket string) error {
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (s gcsStore) NewWriter(ctx context.Context, bucket string, object string) io.WriteCloser {
	return s.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (s gcsStore) ServiceAccount(ctx context.Context, project string) (string, error) {
	return s.client.ServiceAccount(ctx, project)
}
