package builder

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/requirements"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

//go:embed templates/Dockerfile.tmpl
var dockerfileTemplateText string

//go:embed templates/_wandb_bootstrap.py
var bootstrapScript []byte

const bootstrapName = "_wandb_bootstrap.py"

var dockerfileTemplate = template.Must(
	template.New("Dockerfile").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(dockerfileTemplateText),
)

// DefaultPythonVersion is used when neither the project nor the job tells.
const DefaultPythonVersion = "3.10"

// files not to be copied into build contexts.
var contextExcludes = []string{"**/fsmonitor--daemon.ipc"}

// ContextManager assembles a build context directory for a project.
type ContextManager struct {
	project *project.LaunchProject
	dir     string
	user    string
	logger  *zap.Logger
}

type ContextOption func(*ContextManager) *ContextManager

// WithUser sets the user name in images. It is the user running the agent by default.
func WithUser(name string) ContextOption {
	return func(c *ContextManager) *ContextManager {
		c.user = name
		return c
	}
}

// NewContextManager makes a new build context directory under tempDir.
//
// tempDir can be empty for the default temporary directory.
func NewContextManager(p *project.LaunchProject, tempDir string, options ...ContextOption) (*ContextManager, error) {
	if p.ProjectDir == "" {
		return nil, xe.NewLaunchError("project %s has not been fetched", p.RunID)
	}
	dir, err := os.MkdirTemp(tempDir, "launch-context-")
	if err != nil {
		return nil, xe.Wrap(err)
	}
	cm := &ContextManager{project: p, dir: dir, user: currentUser(), logger: p.Logger()}
	for _, o := range options {
		cm = o(cm)
	}
	return cm, nil
}

func currentUser() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "launch"
	}
	name := u.Username
	if i := strings.LastIndex(name, `\`); 0 <= i {
		name = name[i+1:]
	}
	return name
}

// Dir is the build context directory.
func (c *ContextManager) Dir() string {
	return c.dir
}

// Close removes the build context directory.
func (c *ContextManager) Close() error {
	return os.RemoveAll(c.dir)
}

// Create fills the build context directory, and returns it with the image tag.
//
// The Dockerfile is, in order of precedence,
// the override Dockerfile of the launch spec, the Dockerfile of the job,
// Dockerfile.wandb next to the entry point, or generated one.
// In any case, it is placed in the context as Dockerfile.wandb.
//
// buildx enables pip cache mounts in generated Dockerfiles.
func (c *ContextManager) Create(buildx bool) (dir string, tag string, err error) {
	p := c.project
	ep := p.EntryPoint()
	if ep == nil {
		return "", "", xe.NewLaunchError("project %s has no entry point", p.RunID)
	}
	if err := c.checkEntryPoint(ep); err != nil {
		return "", "", err
	}
	source, err := ImageSource(p)
	if err != nil {
		return "", "", err
	}

	if given := p.OverrideDockerfile; given != "" {
		return c.fromDockerfile(source, given)
	}
	if given := p.JobDockerfile; given != "" {
		return c.fromDockerfile(source, given)
	}

	adjacent := filepath.Join(p.ProjectDir, filepath.Dir(ep.Name), DockerfileName)
	if _, err := os.Stat(adjacent); err == nil {
		if err := copyDir(filepath.Dir(adjacent), c.dir); err != nil {
			return "", "", err
		}
		if filepath.Dir(ep.Name) != "." {
			ep.UpdatePath(filepath.Base(ep.Name))
		}
		content, err := os.ReadFile(adjacent)
		if err != nil {
			return "", "", xe.Wrap(err)
		}
		c.logger.Info("using Dockerfile next to the entry point", zap.String("dockerfile", adjacent))
		return c.dir, ImageTag(source, string(content)), nil
	}

	src := filepath.Join(c.dir, "src")
	if err := copyDir(p.ProjectDir, src); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(c.dir, bootstrapName), bootstrapScript, 0o644); err != nil {
		return "", "", xe.Wrap(err)
	}
	if p.PythonVersion != "" {
		if err := os.WriteFile(
			filepath.Join(src, "runtime.txt"), []byte("python-"+p.PythonVersion), 0o644,
		); err != nil {
			return "", "", xe.Wrap(err)
		}
	}
	dockerfile, err := c.GenerateDockerfile(buildx)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(c.dir, DockerfileName), []byte(dockerfile), 0o644); err != nil {
		return "", "", xe.Wrap(err)
	}
	return c.dir, ImageTag(source, dockerfile), nil
}

// checkEntryPoint requires the script of `python <file>`-like entry points to exist.
func (c *ContextManager) checkEntryPoint(ep *project.EntryPoint) error {
	if len(ep.Command) != 2 {
		return nil
	}
	interp := path.Base(ep.Command[0])
	if !strings.HasPrefix(interp, "python") && interp != "bash" && interp != "sh" {
		return nil
	}
	script := filepath.Join(c.project.ProjectDir, ep.Command[1])
	if _, err := os.Stat(script); errors.Is(err, os.ErrNotExist) {
		return xe.NewLaunchError("entry point file %s does not exist in the project", ep.Command[1])
	}
	return nil
}

// fromDockerfile uses a Dockerfile given by the user.
//
// The build context is the job's build context directory, or the project directory.
func (c *ContextManager) fromDockerfile(source string, dockerfile string) (string, string, error) {
	p := c.project
	root := p.ProjectDir
	if p.JobBuildContext != "" {
		root = filepath.Join(p.ProjectDir, p.JobBuildContext)
	}
	dockerfilePath := filepath.Join(root, dockerfile)
	if _, err := os.Stat(dockerfilePath); err != nil {
		dockerfilePath = filepath.Join(p.ProjectDir, dockerfile)
	}
	content, err := os.ReadFile(dockerfilePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", "", xe.NewLaunchError("Dockerfile does not exist at %s", dockerfilePath)
	} else if err != nil {
		return "", "", xe.Wrap(err)
	}
	if err := copyDir(root, c.dir); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(c.dir, DockerfileName), content, 0o644); err != nil {
		return "", "", xe.Wrap(err)
	}
	c.logger.Info("using dockerfile", zap.String("dockerfile", dockerfile))
	return c.dir, ImageTag(source, string(content)), nil
}

type requirementsSection struct {
	// pip, conda, or empty for no dependencies.
	Kind    string
	Prefix  string
	Files   string
	Install string
}

type dockerfileData struct {
	BuildImage           string
	Requirements         requirementsSection
	AcceleratorBaseImage string
	PythonPackages       []string
	PythonVersion        string
	PythonBaseImage      string
	Root                 bool
	UID                  int
	User                 string
	Workdir              string
	EntryPoint           string
}

// GenerateDockerfile renders a Dockerfile for the project.
//
// It expects the source is copied into "src" of the build context already,
// and may write src/requirements.txt from pyproject.toml.
func (c *ContextManager) GenerateDockerfile(buildx bool) (string, error) {
	p := c.project
	ep := p.EntryPoint()
	if ep == nil {
		return "", xe.NewLaunchError("project %s has no entry point", p.RunID)
	}

	pyVersion, pyMinor, err := pythonVersion(p.PythonVersion)
	if err != nil {
		return "", err
	}
	reqs, err := c.requirementsSection(buildx)
	if err != nil {
		return "", err
	}

	entrypoint, err := json.Marshal(ep.Command)
	if err != nil {
		return "", xe.Wrap(err)
	}
	data := dockerfileData{
		BuildImage:           "python:" + pyVersion,
		Requirements:         reqs,
		AcceleratorBaseImage: p.AcceleratorBaseImage,
		PythonVersion:        pyVersion,
		Root:                 p.Resource == "sagemaker",
		UID:                  p.DockerUserID,
		User:                 c.user,
		Workdir:              "/home/" + c.user,
		EntryPoint:           string(entrypoint),
	}
	if reqs.Kind == string(project.DepsConda) {
		data.BuildImage = "continuumio/miniconda3"
	}
	if pyMinor < 12 {
		data.PythonBaseImage = fmt.Sprintf("python:%s-buster", pyVersion)
	} else {
		data.PythonBaseImage = fmt.Sprintf("python:%s-bookworm", pyVersion)
	}
	if p.AcceleratorBaseImage != "" {
		c.logger.Info("using accelerator base image", zap.String("image", p.AcceleratorBaseImage))
		data.PythonPackages = []string{
			"python" + pyVersion, "libpython" + pyVersion, "python3-pip", "python3-setuptools",
		}
	}

	buf := new(strings.Builder)
	if err := dockerfileTemplate.Execute(buf, data); err != nil {
		return "", xe.Wrap(err)
	}
	return buf.String(), nil
}

var pythonVersionPattern = regexp.MustCompile(`^(\d+)\.(\d+)`)

// pythonVersion truncates the version to major.minor.
func pythonVersion(v string) (string, int, error) {
	if v == "" {
		v = DefaultPythonVersion
	}
	m := pythonVersionPattern.FindStringSubmatch(v)
	if m == nil {
		return "", 0, xe.NewLaunchError("invalid python version %q. it should be like 3.10", v)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, xe.Wrap(err)
	}
	return m[1] + "." + m[2], minor, nil
}

// requirementsSection finds how dependencies are installed.
//
// In order of precedence: src/requirements.txt, src/requirements.frozen.txt
// with the bootstrap installer, then dependencies of src/pyproject.toml.
// For conda projects, src/environment.yml.
func (c *ContextManager) requirementsSection(buildx bool) (requirementsSection, error) {
	prefix := "RUN WANDB_DISABLE_CACHE=true"
	if buildx {
		prefix = "RUN --mount=type=cache,mode=0777,target=/root/.cache/pip"
	}
	src := filepath.Join(c.dir, "src")
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(src, name))
		return err == nil
	}

	if c.project.DepsType == project.DepsConda && exists("environment.yml") {
		return requirementsSection{Kind: string(project.DepsConda), Prefix: prefix}, nil
	}

	if exists("requirements.txt") {
		c.warnUnlessWandb(filepath.Join(src, "requirements.txt"))
		return requirementsSection{
			Kind: "pip", Prefix: prefix,
			Files: "src/requirements.txt", Install: "pip install -r requirements.txt",
		}, nil
	}

	if exists("requirements.frozen.txt") {
		c.warnUnlessWandb(filepath.Join(src, "requirements.frozen.txt"))
		only, err := c.project.ParseExistingRequirements()
		if err != nil {
			return requirementsSection{}, xe.Wrap(err)
		}
		return requirementsSection{
			Kind: "pip", Prefix: prefix,
			Files:   "src/requirements.frozen.txt " + bootstrapName,
			Install: only + "python " + bootstrapName,
		}, nil
	}

	if exists("pyproject.toml") {
		deps, err := pyprojectDependencies(filepath.Join(src, "pyproject.toml"))
		if err != nil {
			c.logger.Warn("pyproject.toml cannot be read. dependencies are not installed from it", zap.Error(err))
		} else if 0 < len(deps) {
			if !containsWandb(deps) {
				c.logger.Warn("wandb is not present in dependencies of pyproject.toml. the run may not be tracked")
			}
			if err := os.WriteFile(
				filepath.Join(src, "requirements.txt"), []byte(strings.Join(deps, "\n")), 0o644,
			); err != nil {
				return requirementsSection{}, xe.Wrap(err)
			}
			return requirementsSection{
				Kind: "pip", Prefix: prefix,
				Files: "src/requirements.txt", Install: "pip install -r requirements.txt",
			}, nil
		}
	}

	c.logger.Warn("no requirements file found. no packages will be installed")
	return requirementsSection{}, nil
}

type pyproject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

func pyprojectDependencies(file string) ([]string, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	pp := pyproject{}
	if err := toml.Unmarshal(b, &pp); err != nil {
		return nil, err
	}
	return pp.Project.Dependencies, nil
}

// warnUnlessWandb warns when the requirements file does not declare wandb.
//
// Unreadable files and unparsable lines are not errors here.
func (c *ContextManager) warnUnlessWandb(file string) {
	f, err := os.Open(file)
	if err != nil {
		c.logger.Warn("requirements file cannot be read", zap.String("file", filepath.Base(file)), zap.Error(err))
		return
	}
	defer f.Close()

	reqs, _, err := requirements.Parse(f)
	if err != nil {
		c.logger.Warn("requirements file cannot be read", zap.String("file", filepath.Base(file)), zap.Error(err))
		return
	}
	if !requirements.Contains(reqs, "wandb") {
		c.logger.Warn(
			"wandb is not present in "+filepath.Base(file)+". the run may not be tracked",
			zap.String("file", filepath.Base(file)),
		)
	}
}

func containsWandb(deps []string) bool {
	reqs := []requirements.Requirement{}
	for _, d := range deps {
		if r, err := requirements.ParseLine(d); err == nil && r != nil {
			reqs = append(reqs, *r)
		}
	}
	return requirements.Contains(reqs, "wandb")
}

// copyDir copies src into dst. Symlinks are copied as links.
func copyDir(src string, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		for _, pat := range contextExcludes {
			if ok, _ := doublestar.Match(pat, filepath.ToSlash(rel)); ok {
				return nil
			}
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, os.ModePerm)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return os.WriteFile(target, b, info.Mode().Perm())
		}
		return nil
	})
}
