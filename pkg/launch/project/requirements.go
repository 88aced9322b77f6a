package project

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opst/knitlaunch/pkg/launch/requirements"
	"go.uber.org/zap"
)

// ParseExistingRequirements reads requirements.txt in the project directory
// and returns `WANDB_ONLY_INCLUDE=<packages> ` for the dependency installer.
//
// Lines which cannot be parsed are skipped with warnings.
// Without requirements.txt, it returns an empty string.
func (p *LaunchProject) ParseExistingRequirements() (string, error) {
	f, err := os.Open(filepath.Join(p.ProjectDir, "requirements.txt"))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	defer f.Close()

	reqs, bad, err := requirements.Parse(f)
	if err != nil {
		return "", err
	}
	for _, b := range bad {
		p.logger.Warn("unable to parse requirements.txt", zap.String("run_id", p.RunID), zap.Error(b))
	}

	seen := map[string]struct{}{}
	names := []string{}
	for _, r := range reqs {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		seen[r.Key()] = struct{}{}
		names = append(names, r.Key())
	}
	sort.Strings(names)

	if !requirements.Contains(reqs, "wandb") {
		p.logger.Warn(
			"wandb is not present in requirements.txt. the run may not be tracked",
			zap.String("run_id", p.RunID),
		)
	}
	return "WANDB_ONLY_INCLUDE=" + strings.Join(names, ",") + " ", nil
}
