// Package archive packs build contexts into tar.gz streams.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

var ErrLoopSymlink = errors.New("symlink loop detected")

type tarOption struct {
	followSymlinks bool
	exclude        []string
}

type TarOption func(*tarOption) *tarOption

// FollowSymlinks archives files which symlinks point, instead of links themselves.
func FollowSymlinks() TarOption {
	return func(o *tarOption) *tarOption {
		o.followSymlinks = true
		return o
	}
}

// Exclude skips files matching any of doublestar patterns, like `**/.git/**`.
//
// Patterns are matched against slash separated paths relative to the root.
// A directory matching a pattern is skipped with its content.
func Exclude(patterns ...string) TarOption {
	return func(o *tarOption) *tarOption {
		o.exclude = append(o.exclude, patterns...)
		return o
	}
}

// TarGz archives files under root into dest as a tar.gz stream.
//
// Entries are named relative to root. dest is not closed.
func TarGz(ctx context.Context, root string, dest io.Writer, options ...TarOption) error {
	opt := &tarOption{}
	for _, o := range options {
		opt = o(opt)
	}
	for _, p := range opt.exclude {
		if !doublestar.ValidatePattern(p) {
			return doublestar.ErrBadPattern
		}
	}

	absroot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absroot); err != nil {
		return err
	}

	gz := gzip.NewWriter(dest)
	tw := tar.NewWriter(gz)

	err = findFiles(absroot, opt.followSymlinks, func(fullpath string, fi fs.FileInfo) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		relpath, err := filepath.Rel(absroot, fullpath)
		if err != nil {
			return false, err
		}
		slashed := filepath.ToSlash(relpath)
		for _, p := range opt.exclude {
			if doublestar.MatchUnvalidated(p, slashed) {
				return false, nil
			}
		}
		if relpath == "." {
			return true, nil
		}

		linkname := ""
		if fi.Mode()&os.ModeSymlink != 0 {
			ln, err := os.Readlink(fullpath)
			if err != nil {
				return false, err
			}
			linkname = ln
		}
		hdr, err := tar.FileInfoHeader(fi, linkname)
		if err != nil {
			return false, err
		}
		hdr.Name = slashed
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return false, err
		}
		if fi.Mode().IsRegular() {
			if err := copyFile(ctx, tw, fullpath); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func copyFile(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, &ctxReader{ctx: ctx, r: f})
	return err
}

// findFiles calls callback for each entry, parents first.
// Returning false from callback skips the content of a directory.
func findFiles(from string, followLink bool, callback func(string, fs.FileInfo) (bool, error)) error {
	stat, err := os.Lstat(from)
	if err != nil {
		return err
	}

	via := map[string]struct{}{}
	if stat.Mode()&os.ModeSymlink != 0 && followLink {
		s, err := os.Stat(from)
		if err != nil {
			return err
		}
		stat = s

		rpath, err := filepath.EvalSymlinks(from)
		if err != nil {
			return err
		}
		via[rpath] = struct{}{}
	}

	descend, err := callback(from, stat)
	if err != nil || !descend || !stat.IsDir() {
		return err
	}
	return findFilesInDirectory(from, followLink, via, callback)
}

func findFilesInDirectory(from string, followLink bool, viaSymlink map[string]struct{}, callback func(string, fs.FileInfo) (bool, error)) error {
	entries, err := os.ReadDir(from)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		err := func() error {
			fullpath := filepath.Join(from, entry.Name())
			stat, err := os.Lstat(fullpath)
			if err != nil {
				return err
			}

			if stat.Mode()&os.ModeSymlink != 0 && followLink {
				realpath, err := filepath.EvalSymlinks(fullpath)
				if err != nil {
					return err
				}
				if _, ok := viaSymlink[realpath]; ok {
					return ErrLoopSymlink
				}
				viaSymlink[realpath] = struct{}{}
				defer delete(viaSymlink, realpath)

				s, err := os.Stat(fullpath)
				if err != nil {
					return err
				}
				stat = s
			}

			descend, err := callback(fullpath, stat)
			if err != nil || !descend || !stat.IsDir() {
				return err
			}
			return findFilesInDirectory(fullpath, followLink, viaSymlink, callback)
		}()

		if err != nil {
			return err
		}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type walkBreak struct{}

func (walkBreak) Error() string {
	return "walk break"
}

// WalkBreak stops TarGzWalk without error.
func WalkBreak() error {
	return walkBreak{}
}

// handler of tar entry.
//
// args:
//   - header: header of tar entry
//   - payload: `io.Reader` points the content of the tar entry.
//   - err: error happens when get a tar entry. It is never `io.EOF`.
//
// return: error to stop walking. Return `WalkBreak()` to stop without error.
type TarWalker func(header *tar.Header, payload io.Reader, err error) error

// TarGzWalk traverses entries of a tar.gz stream. It does not close `from`.
func TarGzWalk(from io.Reader, walker TarWalker) error {
	gzin, err := gzip.NewReader(from)
	if err != nil {
		return err
	}
	defer gzin.Close()

	tarin := tar.NewReader(gzin)
	for {
		header, err := tarin.Next()
		if err == io.EOF {
			return nil
		}
		err = walker(header, tarin, err)
		if err == nil {
			continue
		}
		if errors.As(err, new(walkBreak)) {
			return nil
		}
		return err
	}
}
