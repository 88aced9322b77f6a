// Package docker drives the docker command line.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opst/knitlaunch/pkg/launch/process"
)

// Client runs docker commands through a process.Runner.
type Client struct {
	runner process.Runner
	bin    string
}

func New(r process.Runner) *Client {
	return &Client{runner: r, bin: "docker"}
}

// Installed reports whether docker is found.
func (c *Client) Installed() bool {
	_, err := c.runner.LookPath(c.bin)
	return err == nil
}

// BuildxInstalled reports whether `docker buildx` is available.
func (c *Client) BuildxInstalled(ctx context.Context) bool {
	_, err := c.runner.Run(ctx, process.Command{Name: c.bin, Args: []string{"buildx", "version"}})
	return err == nil
}

type BuildRequest struct {
	Tags       []string
	Dockerfile string
	Context    string
	Platform   string
	BuildArgs  map[string]string
	Buildx     bool
}

// Build builds an image and returns the build log.
func (c *Client) Build(ctx context.Context, req BuildRequest) ([]byte, error) {
	args := []string{"build"}
	if req.Buildx {
		args = []string{"buildx", "build", "--load"}
	}
	for _, t := range req.Tags {
		args = append(args, "--tag", t)
	}
	if req.Dockerfile != "" {
		args = append(args, "--file", req.Dockerfile)
	}
	if req.Platform != "" {
		args = append(args, "--platform", req.Platform)
	}
	keys := make([]string, 0, len(req.BuildArgs))
	for k := range req.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+req.BuildArgs[k])
	}
	args = append(args, "--progress", "plain", req.Context)

	cmd := process.Command{Name: c.bin, Args: args}
	if req.Buildx {
		cmd.Env = []string{"DOCKER_BUILDKIT=1"}
	}
	return c.runner.Run(ctx, cmd)
}

func (c *Client) Push(ctx context.Context, image string) error {
	out, err := c.runner.Run(ctx, process.Command{Name: c.bin, Args: []string{"push", image}})
	if err != nil {
		return fmt.Errorf("docker push %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *Client) Pull(ctx context.Context, image string) error {
	out, err := c.runner.Run(ctx, process.Command{Name: c.bin, Args: []string{"pull", image}})
	if err != nil {
		return fmt.Errorf("docker pull %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Login logs in to the registry. The password is passed through stdin.
func (c *Client) Login(ctx context.Context, registry, username, password string) error {
	out, err := c.runner.Run(ctx, process.Command{
		Name:  c.bin,
		Args:  []string{"login", "--username", username, "--password-stdin", registry},
		Stdin: strings.NewReader(password),
	})
	if err != nil {
		return fmt.Errorf("docker login %s: %w: %s", registry, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ImageExists reports whether the image is in the local image store.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := c.runner.Run(ctx, process.Command{
		Name: c.bin, Args: []string{"image", "inspect", "--format", "{{.Id}}", image},
	})
	if err == nil {
		return true, nil
	}
	if ee := new(process.ExitError); errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

// ImageUID returns the uid of the default user of the image.
func (c *Client) ImageUID(ctx context.Context, image string) (string, error) {
	out, err := c.runner.Run(ctx, process.Command{
		Name: c.bin, Args: []string{"run", "--rm", "--entrypoint", "id", image, "-u"},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// RunArgs renders options of `docker run`.
//
// Keys are option names without dashes. Values can be strings, booleans,
// numbers or lists of them (repeated options). One letter keys make short options.
// false and nil are omitted.
func RunArgs(options map[string]any) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := []string{}
	for _, k := range keys {
		flag := "--" + k
		if len(k) == 1 {
			flag = "-" + k
		}
		switch v := options[k].(type) {
		case nil:
		case bool:
			if v {
				args = append(args, flag)
			}
		case []any:
			for _, item := range v {
				args = append(args, flag, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				args = append(args, flag, item)
			}
		case float64:
			if v == float64(int64(v)) {
				args = append(args, flag, fmt.Sprint(int64(v)))
			} else {
				args = append(args, flag, fmt.Sprint(v))
			}
		default:
			args = append(args, flag, fmt.Sprint(v))
		}
	}
	return args
}

// EnvArgs renders environment variables as `--env KEY=VALUE`, sorted by key.
func EnvArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--env", k+"="+env[k])
	}
	return args
}
