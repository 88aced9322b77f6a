// Package builder turns a launch project into something runnable: a container
// image, or a conda environment.
package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"go.uber.org/zap"
)

type Type string

const (
	TypeDocker Type = "docker"
	TypeKaniko Type = "kaniko"
	TypeConda  Type = "conda"
	TypeNoop   Type = "noop"
)

// DockerfileName is the name of Dockerfiles which launch generates or finds.
const DockerfileName = "Dockerfile.wandb"

// WarningReporter receives warnings which the operator should see on the queue item.
type WarningReporter interface {
	ReportWarning(ctx context.Context, message string, phase string) error
}

type Builder interface {
	Type() Type

	// Build makes the project runnable with the entry point.
	//
	// # Returns
	//
	// - string: image uri for container builders. The conda builder returns "conda:<prefix>".
	//
	// - error: *LaunchError for problems in the project or configuration.
	Build(ctx context.Context, p *project.LaunchProject, ep *project.EntryPoint, reporter WarningReporter) (string, error)
}

// Required reports whether b should build the project before it is submitted.
//
// local-process runs code in place, so only the conda builder serves it.
func Required(p *project.LaunchProject, b Builder) bool {
	if !p.BuildRequired() {
		return false
	}
	if p.Resource == "local-process" {
		return b != nil && b.Type() == TypeConda
	}
	return true
}

// ImageTag is a content address of an image built from the source with the Dockerfile.
func ImageTag(source string, dockerfile string) string {
	sum := sha256.Sum256([]byte(source + dockerfile))
	return hex.EncodeToString(sum[:])[:8]
}

// ImageSource describes where the code of the project comes from, for ImageTag.
//
// Code given by a local directory or a run is identified by its content.
func ImageSource(p *project.LaunchProject) (string, error) {
	switch p.Source {
	case project.SourceJob:
		return p.Job, nil
	case project.SourceGit:
		return p.URI + "@" + p.GitVersion, nil
	case project.SourceImage:
		return p.DockerImage, nil
	}
	digest, err := DirDigest(p.ProjectDir)
	if err != nil {
		return "", err
	}
	return string(p.Source) + ":" + digest, nil
}

// DirDigest hashes names and contents of regular files under dir.
func DirDigest(dir string) (string, error) {
	paths := []string{}
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return "", xe.Wrap(err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", xe.Wrap(err)
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return "", xe.Wrap(err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", xe.Wrap(err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

const (
	failedPackagesPrefix  = "ERROR: Failed to install: "
	failedPackagesPostfix = ". During automated build process."
)

var failedPackages = regexp.MustCompile(
	regexp.QuoteMeta(failedPackagesPrefix) + `(.*)` + regexp.QuoteMeta(failedPackagesPostfix),
)

// ParseFailedPackages finds packages which the dependency installer could not install.
func ParseFailedPackages(log string) []string {
	match := failedPackages.FindStringSubmatch(log)
	if match == nil {
		return nil
	}
	body := strings.TrimSpace(match[1])

	pkgs := []string{}
	if err := json.Unmarshal([]byte(body), &pkgs); err == nil {
		return pkgs
	}
	pkgs = pkgs[:0]
	for _, p := range strings.Split(strings.Trim(body, "[]"), ",") {
		if p = strings.Trim(strings.TrimSpace(p), `'"`); p != "" {
			pkgs = append(pkgs, p)
		}
	}
	return pkgs
}

// warnFailedPackages tells the operator about packages left out from the image.
//
// The image is used without them.
func warnFailedPackages(ctx context.Context, logger *zap.Logger, log string, image string, reporter WarningReporter) {
	pkgs := ParseFailedPackages(log)
	if len(pkgs) == 0 {
		return
	}
	logger.Warn(
		"some packages could not be installed. the image is launched without them",
		zap.String("image", image), zap.Strings("packages", pkgs),
	)
	if reporter == nil {
		return
	}
	msg := fmt.Sprintf(
		"Failed to install the following packages: %s for image: %s. Will attempt to launch image without them.",
		strings.Join(pkgs, ", "), image,
	)
	if err := reporter.ReportWarning(ctx, msg, "build"); err != nil {
		logger.Warn("failed to report warning", zap.Error(err))
	}
}
