package archive_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/opst/knitlaunch/pkg/utils/archive"
	"github.com/opst/knitlaunch/pkg/utils/try"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		try.To(0, os.MkdirAll(filepath.Dir(path), 0o755)).OrFatal(t)
		try.To(0, os.WriteFile(path, []byte(content), 0o644)).OrFatal(t)
	}
}

func entries(t *testing.T, b []byte) map[string]string {
	t.Helper()
	got := map[string]string{}
	err := archive.TarGzWalk(bytes.NewReader(b), func(h *tar.Header, r io.Reader, err error) error {
		if err != nil {
			return err
		}
		if h.Typeflag == tar.TypeDir {
			got[h.Name] = "<dir>"
			return nil
		}
		c, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		got[h.Name] = string(c)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestTarGz(t *testing.T) {
	t.Run("non-existing root", func(t *testing.T) {
		err := archive.TarGz(context.Background(), filepath.Join(t.TempDir(), "nothing"), new(bytes.Buffer))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	for name, testcase := range map[string]struct {
		exclude  []string
		expected map[string]string
	}{
		"all files": {
			expected: map[string]string{
				"Dockerfile.wandb": "FROM x", "src/": "<dir>", "src/main.py": "print(1)",
				"src/.git/": "<dir>", "src/.git/HEAD": "ref",
			},
		},
		"excluded": {
			exclude: []string{"**/.git"},
			expected: map[string]string{
				"Dockerfile.wandb": "FROM x", "src/": "<dir>", "src/main.py": "print(1)",
			},
		},
		"excluded by extension": {
			exclude: []string{"**/*.py"},
			expected: map[string]string{
				"Dockerfile.wandb": "FROM x", "src/": "<dir>",
				"src/.git/": "<dir>", "src/.git/HEAD": "ref",
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeTree(t, root, map[string]string{
				"Dockerfile.wandb": "FROM x", "src/main.py": "print(1)", "src/.git/HEAD": "ref",
			})

			buf := new(bytes.Buffer)
			try.To(0, archive.TarGz(
				context.Background(), root, buf, archive.Exclude(testcase.exclude...),
			)).OrFatal(t)

			actual := entries(t, buf.Bytes())
			if !reflect.DeepEqual(actual, testcase.expected) {
				t.Errorf("(actual, expected) = (%v, %v)", actual, testcase.expected)
			}
		})
	}

	t.Run("symlinks are followed on request", func(t *testing.T) {
		root := t.TempDir()
		outside := t.TempDir()
		writeTree(t, outside, map[string]string{"data.txt": "payload"})
		try.To(0, os.Symlink(filepath.Join(outside, "data.txt"), filepath.Join(root, "link.txt"))).OrFatal(t)

		plain := new(bytes.Buffer)
		try.To(0, archive.TarGz(context.Background(), root, plain)).OrFatal(t)
		if got := entries(t, plain.Bytes()); got["link.txt"] != "" {
			t.Errorf("symlink is archived with content: %v", got)
		}

		followed := new(bytes.Buffer)
		try.To(0, archive.TarGz(context.Background(), root, followed, archive.FollowSymlinks())).OrFatal(t)
		if got := entries(t, followed.Bytes()); got["link.txt"] != "payload" {
			t.Errorf("symlink is not followed: %v", got)
		}
	})

	t.Run("bad pattern", func(t *testing.T) {
		err := archive.TarGz(context.Background(), t.TempDir(), new(bytes.Buffer), archive.Exclude("[a-"))
		if err == nil {
			t.Errorf("expected error")
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a": "1"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := archive.TarGz(ctx, root, new(bytes.Buffer)); !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestTarGzWalk_Break(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "1", "b": "2", "c": "3"})
	buf := new(bytes.Buffer)
	try.To(0, archive.TarGz(context.Background(), root, buf)).OrFatal(t)

	seen := []string{}
	try.To(0, archive.TarGzWalk(buf, func(h *tar.Header, _ io.Reader, err error) error {
		seen = append(seen, h.Name)
		if len(seen) == 2 {
			return archive.WalkBreak()
		}
		return nil
	})).OrFatal(t)
	sort.Strings(seen)
	if len(seen) != 2 {
		t.Errorf("walk does not stop: %v", seen)
	}
}
