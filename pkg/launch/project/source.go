package project

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

type JobSourceType string

const (
	JobFromRepo     JobSourceType = "repo"
	JobFromArtifact JobSourceType = "artifact"
	JobFromImage    JobSourceType = "image"
)

// JobInfo is the content of a job artifact (`wandb-job.json`).
type JobInfo struct {
	SourceType JobSourceType `json:"source_type"`
	Source     struct {
		Git *struct {
			Remote string `json:"remote"`
			Commit string `json:"commit"`
		} `json:"git,omitempty"`
		Artifact     string   `json:"artifact,omitempty"`
		Image        string   `json:"image,omitempty"`
		EntryPoint   []string `json:"entrypoint,omitempty"`
		Dockerfile   string   `json:"dockerfile,omitempty"`
		BuildContext string   `json:"build_context,omitempty"`
		BaseImage    string   `json:"base_image,omitempty"`
	} `json:"source"`
	Runtime string `json:"runtime,omitempty"`
}

// JobSource resolves job artifacts.
type JobSource interface {
	// FetchJob reads the job `ref` (`entity/project/name:alias`).
	//
	// For artifact jobs, code should be placed in dst.
	FetchJob(ctx context.Context, ref string, dst string) (*JobInfo, error)
}

// RunInfo is what the tracking service knows about a past run.
type RunInfo struct {
	Program  string
	CodePath string
	Git      *struct {
		Remote string
		Commit string
	}
	Args   []string
	Python string
}

// RunSource reads runs from the tracking service.
type RunSource interface {
	FetchRun(ctx context.Context, entity, project, runID string) (*RunInfo, error)
}

type RunSourceFunc func(ctx context.Context, entity, project, runID string) (*RunInfo, error)

func (f RunSourceFunc) FetchRun(ctx context.Context, entity, project, runID string) (*RunInfo, error) {
	return f(ctx, entity, project, runID)
}

const JobFile = "wandb-job.json"

// DirJobSource is a JobSource backed by a directory tree.
//
// The job `entity/project/name:alias` lives in `<root>/entity/project/name/alias/`,
// which has `wandb-job.json`. Code of artifact jobs is in `code/` of there.
type DirJobSource struct {
	Root string
}

var _ JobSource = DirJobSource{}

func (d DirJobSource) FetchJob(ctx context.Context, ref string, dst string) (*JobInfo, error) {
	path, alias, ok := strings.Cut(ref, ":")
	if !ok || alias == "" {
		alias = "latest"
	}
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return nil, xe.NewLaunchError("job reference should be entity/project/name[:alias], but %q", ref)
	}
	jobDir := filepath.Join(append([]string{d.Root}, append(parts, alias)...)...)

	f, err := os.Open(filepath.Join(jobDir, JobFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, xe.NewLaunchError("job %s is not found", ref)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	info := new(JobInfo)
	if err := json.NewDecoder(f).Decode(info); err != nil {
		return nil, xe.NewLaunchError("job %s is broken: %w", ref, err)
	}

	if info.SourceType == JobFromArtifact {
		if err := copyTree(ctx, filepath.Join(jobDir, "code"), dst); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// copyTree copies regular files in src into dst.
func copyTree(ctx context.Context, src string, dst string) error {
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
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		info, err := d.Info()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
