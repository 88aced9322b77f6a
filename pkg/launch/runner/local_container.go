package runner

import (
	"context"
	"net/url"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/docker"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"go.uber.org/zap"
)

// ProjectMount is where the project directory is mounted, for projects run on their job base image.
const ProjectMount = "/mnt/wandb"

// LocalContainer runs projects with `docker run` on the agent's host.
type LocalContainer struct {
	Backend
	runner process.Runner

	// Options are default options of `docker run`. Resource args override them.
	Options map[string]any
}

var _ Runner = &LocalContainer{}

func NewLocalContainer(b Backend, r process.Runner, options map[string]any) *LocalContainer {
	return &LocalContainer{Backend: b, runner: r, Options: options}
}

func (l *LocalContainer) Type() Type {
	return TypeLocalContainer
}

func (l *LocalContainer) Verify(context.Context) error {
	if !docker.New(l.runner).Installed() {
		return xe.NewLaunchError("docker is not installed. it is needed to run projects in local containers")
	}
	return nil
}

// shell finds a shell to run docker commands with.
func (l *LocalContainer) shell() (string, error) {
	for _, sh := range []string{"bash", "sh"} {
		if p, err := l.runner.LookPath(sh); err == nil {
			return p, nil
		}
	}
	return "", xe.NewLaunchError("no compatible shell found")
}

func (l *LocalContainer) Run(ctx context.Context, p *project.LaunchProject, image string) (SubmittedRun, error) {
	if image == "" {
		image, _ = p.ImageURI()
	}
	if image == "" {
		return nil, xe.NewLaunchError("no image to run project %s in local container", p.TargetProject)
	}

	sh, err := l.shell()
	if err != nil {
		return nil, err
	}

	env, err := p.EnvVars(l.API, project.MaxEnvLength(string(TypeLocalContainer)))
	if err != nil {
		return nil, xe.Wrap(err)
	}

	options := map[string]any{}
	for k, v := range l.Options {
		options[k] = v
	}
	for k, v := range project.ResourceArgsFor(p.FillMacros(image), "local-container") {
		options[k] = v
	}
	if isLocalhost(l.API.BaseURL) {
		if _, ok := options["network"]; !ok {
			options["network"] = "host"
		}
	}
	if p.JobBaseImage != "" && p.ProjectDir != "" {
		options["volume"] = appendOption(options["volume"], p.ProjectDir+":"+ProjectMount)
		options["workdir"] = ProjectMount
	}

	cmd := DockerRunCommand(image, options, env, entryCommand(p))

	if ok, err := l.ack(ctx, p.RunID); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	l.logger().Info(
		"starting local container",
		zap.String("run_id", p.RunID), zap.String("image", image),
	)
	h, err := l.runner.Start(ctx, process.Command{
		Name: sh,
		Args: []string{"-c", shellJoin(cmd)},
		Dir:  p.ProjectDir,
	})
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return l.settle(ctx, &processRun{handle: h})
}

// DockerRunCommand builds `docker run --rm <options> <env> [--entrypoint cmd0] image cmd...`.
func DockerRunCommand(image string, options map[string]any, env map[string]string, cmd []string) []string {
	args := []string{"docker", "run", "--rm"}
	args = append(args, docker.RunArgs(options)...)
	args = append(args, docker.EnvArgs(env)...)
	if 0 < len(cmd) {
		args = append(args, "--entrypoint", cmd[0], image)
		return append(args, cmd[1:]...)
	}
	return append(args, image)
}

func appendOption(current any, value string) any {
	switch c := current.(type) {
	case nil:
		return value
	case []any:
		return append(append([]any{}, c...), value)
	case []string:
		return append(append([]string{}, c...), value)
	default:
		return []any{c, value}
	}
}

func isLocalhost(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// shellJoin quotes words for POSIX shells.
func shellJoin(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		case strings.ContainsRune("-_./=:,@%+", r):
		default:
			safe = false
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
