package environment

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

// Local is the environment of the host the agent is on.
//
// Storage uris are paths of the local filesystem.
type Local struct{}

var _ Environment = Local{}

func (Local) Type() Type {
	return TypeLocal
}

func (Local) Verify(context.Context) error {
	return nil
}

func (Local) VerifyStorageURI(_ context.Context, uri string) error {
	stat, err := os.Stat(uri)
	if err != nil {
		return xe.NewLaunchError("storage %s is not accessible: %w", uri, err)
	}
	if !stat.IsDir() {
		return xe.NewLaunchError("storage %s is not a directory", uri)
	}
	return nil
}

func (Local) UploadFile(_ context.Context, src string, dst string) error {
	return copyFile(src, dst)
}

func (Local) UploadDir(ctx context.Context, src string, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), os.ModePerm)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return xe.Wrap(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return xe.Wrap(err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return xe.Wrap(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return xe.Wrap(err)
	}
	return xe.Wrap(out.Close())
}
