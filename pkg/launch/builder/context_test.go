package builder_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// localProject writes files into a new directory and makes a fetched project of it.
func localProject(t *testing.T, files map[string]string, spec map[string]any) *project.LaunchProject {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		try.To(0, os.MkdirAll(filepath.Dir(path), os.ModePerm)).OrFatal(t)
		try.To(0, os.WriteFile(path, []byte(content), 0o644)).OrFatal(t)
	}
	if spec == nil {
		spec = map[string]any{}
	}
	spec["uri"] = dir
	if _, ok := spec["project"]; !ok {
		spec["project"] = "proj"
	}
	p := try.To(project.FromSpec(spec, project.WithTempDir(t.TempDir()))).OrFatal(t)
	try.To(0, p.FetchAndValidate(context.Background())).OrFatal(t)
	return p
}

func create(t *testing.T, cm *builder.ContextManager) string {
	t.Helper()
	dir, _, err := cm.Create(false)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestImageTag(t *testing.T) {
	a := builder.ImageTag("git@github.com:org/repo.git@abc", "FROM python:3.10")
	if len(a) != 8 {
		t.Errorf("tag should be 8 chars: %s", a)
	}
	if again := builder.ImageTag("git@github.com:org/repo.git@abc", "FROM python:3.10"); a != again {
		t.Errorf("tag is not deterministic: %s, %s", a, again)
	}
	for _, other := range []string{
		builder.ImageTag("git@github.com:org/repo.git@abd", "FROM python:3.10"),
		builder.ImageTag("git@github.com:org/repo.git@abc", "FROM python:3.11"),
	} {
		if other == a {
			t.Errorf("different inputs make the same tag: %s", a)
		}
	}
}

func TestParseFailedPackages(t *testing.T) {
	for name, testcase := range map[string]struct {
		log      string
		expected []string
	}{
		"json list": {
			log:      "step 1\nERROR: Failed to install: [\"torch==2.0\", \"foo\"]. During automated build process.\nstep 2",
			expected: []string{"torch==2.0", "foo"},
		},
		"python list": {
			log:      "ERROR: Failed to install: ['a', 'b']. During automated build process.",
			expected: []string{"a", "b"},
		},
		"no failures": {log: "Successfully installed wandb", expected: nil},
	} {
		t.Run(name, func(t *testing.T) {
			actual := builder.ParseFailedPackages(testcase.log)
			if strings.Join(actual, "|") != strings.Join(testcase.expected, "|") {
				t.Errorf("(actual, expected) = (%v, %v)", actual, testcase.expected)
			}
		})
	}
}

func TestContextManager_Create(t *testing.T) {
	type When struct {
		files  map[string]string
		spec   map[string]any
		buildx bool
	}
	type Then struct {
		contains    []string
		notContains []string
		files       []string
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			p := localProject(t, when.files, when.spec)
			cm := try.To(builder.NewContextManager(p, t.TempDir(), builder.WithUser("tester"))).OrFatal(t)
			defer cm.Close()

			dir, tag, err := cm.Create(when.buildx)
			if err != nil {
				t.Fatal(err)
			}
			dockerfile := string(try.To(os.ReadFile(filepath.Join(dir, builder.DockerfileName))).OrFatal(t))
			for _, c := range then.contains {
				if !strings.Contains(dockerfile, c) {
					t.Errorf("Dockerfile does not contain %q:\n%s", c, dockerfile)
				}
			}
			for _, c := range then.notContains {
				if strings.Contains(dockerfile, c) {
					t.Errorf("Dockerfile contains %q:\n%s", c, dockerfile)
				}
			}
			for _, f := range then.files {
				if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
					t.Errorf("%s is not in the build context: %v", f, err)
				}
			}

			source := try.To(builder.ImageSource(p)).OrFatal(t)
			if expected := builder.ImageTag(source, dockerfile); tag != expected {
				t.Errorf("tag: (actual, expected) = (%s, %s)", tag, expected)
			}
		}
	}

	t.Run("requirements.txt is installed with pip", theory(
		When{
			files: map[string]string{"main.py": "print(1)", "requirements.txt": "wandb\nnumpy==1.26\n"},
		},
		Then{
			contains: []string{
				"FROM python:3.10 as build",
				"COPY src/requirements.txt ./",
				"RUN WANDB_DISABLE_CACHE=true pip install -r requirements.txt",
				"FROM python:3.10-buster as base",
				"--uid 1000",
				"USER tester",
				"WORKDIR /home/tester",
				"COPY --chown=1000 src/ /home/tester",
				`ENTRYPOINT ["python","main.py"]`,
			},
			files: []string{"src/main.py", "src/requirements.txt", "_wandb_bootstrap.py"},
		},
	))

	t.Run("buildx enables pip cache, and new python is on bookworm", theory(
		When{
			files:  map[string]string{"main.py": "", "requirements.txt": "wandb\n"},
			spec:   map[string]any{"docker": map[string]any{"python_version": "3.12.1"}},
			buildx: true,
		},
		Then{
			contains: []string{
				"RUN --mount=type=cache,mode=0777,target=/root/.cache/pip pip install -r requirements.txt",
				"FROM python:3.12-bookworm as base",
			},
			files: []string{"src/runtime.txt"},
		},
	))

	t.Run("frozen requirements are installed by the bootstrap", theory(
		When{files: map[string]string{"main.py": "", "requirements.frozen.txt": "wandb==0.16.0\n"}},
		Then{
			contains: []string{
				"COPY src/requirements.frozen.txt _wandb_bootstrap.py ./",
				"python _wandb_bootstrap.py",
			},
		},
	))

	t.Run("pyproject dependencies become requirements.txt", theory(
		When{files: map[string]string{
			"main.py":        "",
			"pyproject.toml": "[project]\nname = \"x\"\ndependencies = [\"wandb>=0.15\", \"torch\"]\n",
		}},
		Then{
			contains: []string{"COPY src/requirements.txt ./"},
			files:    []string{"src/requirements.txt"},
		},
	))

	t.Run("without requirements, nothing is installed", theory(
		When{files: map[string]string{"main.py": ""}},
		Then{
			contains:    []string{"RUN mkdir -p env/"},
			notContains: []string{"pip install"},
		},
	))

	t.Run("sagemaker runs as root", theory(
		When{
			files: map[string]string{"main.py": ""},
			spec:  map[string]any{"resource": "sagemaker"},
		},
		Then{
			contains:    []string{"USER root", "COPY --chown=0 src/"},
			notContains: []string{"useradd"},
		},
	))

	t.Run("accelerator base image installs python by apt", theory(
		When{
			files: map[string]string{"main.py": ""},
			spec: map[string]any{"docker": map[string]any{
				"accelerator_base_image": "nvidia/cuda:12.0.0-runtime-ubuntu22.04",
				"python_version":         "3.11",
			}},
		},
		Then{
			contains: []string{
				"FROM nvidia/cuda:12.0.0-runtime-ubuntu22.04 as base",
				"python3.11 \\\n    libpython3.11 \\\n    python3-pip",
				"/usr/bin/python3.11 1",
			},
			notContains: []string{"-buster as base"},
		},
	))

	t.Run("Dockerfile.wandb next to the entry point is used", func(t *testing.T) {
		p := localProject(t, map[string]string{
			"sub/train.py":         "",
			"sub/Dockerfile.wandb": "FROM custom\n",
			"other.txt":            "",
		}, map[string]any{"overrides": map[string]any{"entry_point": []any{"python", "sub/train.py"}}})
		cm := try.To(builder.NewContextManager(p, t.TempDir())).OrFatal(t)
		defer cm.Close()

		dir := create(t, cm)
		if _, err := os.Stat(filepath.Join(dir, "train.py")); err != nil {
			t.Errorf("entry point directory is not the context: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "other.txt")); err == nil {
			t.Errorf("files outside of the entry point directory are copied")
		}
		if cmd := p.EntryPoint().Command; cmd[1] != "train.py" {
			t.Errorf("entry point is not updated: %v", cmd)
		}
	})

	t.Run("override Dockerfile is used", func(t *testing.T) {
		p := localProject(t, map[string]string{
			"main.py":         "",
			"docker/Build.df": "FROM override\n",
		}, map[string]any{"overrides": map[string]any{"dockerfile": "docker/Build.df"}})
		cm := try.To(builder.NewContextManager(p, t.TempDir())).OrFatal(t)
		defer cm.Close()

		dir := create(t, cm)
		content := try.To(os.ReadFile(filepath.Join(dir, builder.DockerfileName))).OrFatal(t)
		if string(content) != "FROM override\n" {
			t.Errorf("unexpected Dockerfile: %s", content)
		}
	})

	t.Run("missing override Dockerfile is a launch error", func(t *testing.T) {
		p := localProject(t, map[string]string{"main.py": ""},
			map[string]any{"overrides": map[string]any{"dockerfile": "nope"}})
		cm := try.To(builder.NewContextManager(p, t.TempDir())).OrFatal(t)
		defer cm.Close()
		if _, _, err := cm.Create(false); !xe.IsLaunchError(err) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("missing entry point file is a launch error", func(t *testing.T) {
		p := localProject(t, map[string]string{"other.py": ""}, nil)
		cm := try.To(builder.NewContextManager(p, t.TempDir())).OrFatal(t)
		defer cm.Close()
		if _, _, err := cm.Create(false); !xe.IsLaunchError(err) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestContextManager_Create_WarnsWithoutWandb(t *testing.T) {
	type Then struct {
		warnings int
	}

	theory := func(files map[string]string, then Then) func(*testing.T) {
		return func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range files {
				try.To(0, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)).OrFatal(t)
			}
			core, logs := observer.New(zapcore.WarnLevel)
			p := try.To(project.FromSpec(
				map[string]any{"uri": dir, "project": "proj"},
				project.WithTempDir(t.TempDir()),
				project.WithLogger(zap.New(core)),
			)).OrFatal(t)
			try.To(0, p.FetchAndValidate(context.Background())).OrFatal(t)

			cm := try.To(builder.NewContextManager(p, t.TempDir(), builder.WithUser("tester"))).OrFatal(t)
			defer cm.Close()
			create(t, cm)

			actual := 0
			for _, e := range logs.All() {
				if strings.Contains(e.Message, "wandb is not present") {
					actual += 1
				}
			}
			if actual != then.warnings {
				t.Errorf("warnings on wandb: (actual, expected) = (%d, %d): %v", actual, then.warnings, logs.All())
			}
		}
	}

	t.Run("requirements.txt without wandb", theory(
		map[string]string{"main.py": "", "requirements.txt": "numpy==1.26\n"},
		Then{warnings: 1},
	))
	t.Run("requirements.txt with wandb", theory(
		map[string]string{"main.py": "", "requirements.txt": "wandb>=0.16\nnumpy==1.26\n"},
		Then{warnings: 0},
	))
	t.Run("requirements.frozen.txt without wandb", theory(
		map[string]string{"main.py": "", "requirements.frozen.txt": "numpy==1.26.0\n"},
		Then{warnings: 1},
	))
	t.Run("requirements.frozen.txt with wandb", theory(
		map[string]string{"main.py": "", "requirements.frozen.txt": "wandb==0.16.0\n"},
		Then{warnings: 0},
	))
	t.Run("pyproject.toml without wandb", theory(
		map[string]string{
			"main.py":        "",
			"pyproject.toml": "[project]\nname = \"x\"\ndependencies = [\"torch\"]\n",
		},
		Then{warnings: 1},
	))
}
