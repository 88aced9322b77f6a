package docker_test

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/opst/knitlaunch/pkg/launch/docker"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/process/mock"
	"github.com/opst/knitlaunch/pkg/utils/try"
)

func TestClient_Build(t *testing.T) {
	for name, testcase := range map[string]struct {
		req      docker.BuildRequest
		expected []string
		env      []string
	}{
		"plain": {
			req: docker.BuildRequest{
				Tags: []string{"repo/img:abc"}, Dockerfile: "Dockerfile.wandb", Context: "/ctx",
			},
			expected: []string{"build", "--tag", "repo/img:abc", "--file", "Dockerfile.wandb", "--progress", "plain", "/ctx"},
		},
		"buildx with args": {
			req: docker.BuildRequest{
				Tags: []string{"img"}, Context: "/ctx", Platform: "linux/amd64", Buildx: true,
				BuildArgs: map[string]string{"B": "2", "A": "1"},
			},
			expected: []string{
				"buildx", "build", "--load", "--tag", "img", "--platform", "linux/amd64",
				"--build-arg", "A=1", "--build-arg", "B=2", "--progress", "plain", "/ctx",
			},
			env: []string{"DOCKER_BUILDKIT=1"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			r := mock.NewRunner(t)
			r.Impl.Run = func(ctx context.Context, cmd process.Command) ([]byte, error) {
				return []byte("ok"), nil
			}
			out := try.To(docker.New(r).Build(context.Background(), testcase.req)).OrFatal(t)
			if string(out) != "ok" {
				t.Errorf("output: %q", out)
			}
			if len(r.Calls) != 1 {
				t.Fatalf("calls: %d", len(r.Calls))
			}
			if !reflect.DeepEqual(r.Calls[0].Args, testcase.expected) {
				t.Errorf("args: (actual, expected) = (%v, %v)", r.Calls[0].Args, testcase.expected)
			}
			if !reflect.DeepEqual(r.Calls[0].Env, testcase.env) {
				t.Errorf("env: (actual, expected) = (%v, %v)", r.Calls[0].Env, testcase.env)
			}
		})
	}
}

func TestClient_Login(t *testing.T) {
	r := mock.NewRunner(t)
	var stdin string
	r.Impl.Run = func(ctx context.Context, cmd process.Command) ([]byte, error) {
		stdin = string(try.To(io.ReadAll(cmd.Stdin)).OrFatal(t))
		return nil, nil
	}
	try.To(0, docker.New(r).Login(context.Background(), "reg.example.com", "AWS", "p@ss")).OrFatal(t)

	if stdin != "p@ss" {
		t.Errorf("password is not passed by stdin: %q", stdin)
	}
	for _, a := range r.Calls[0].Args {
		if a == "p@ss" {
			t.Errorf("password is in args: %v", r.Calls[0].Args)
		}
	}
}

func TestClient_ImageExists(t *testing.T) {
	for name, testcase := range map[string]struct {
		err      error
		expected bool
		wantErr  bool
	}{
		"found":         {err: nil, expected: true},
		"not found":     {err: &process.ExitError{Code: 1}, expected: false},
		"docker broken": {err: errors.New("exec: docker not found"), wantErr: true},
	} {
		t.Run(name, func(t *testing.T) {
			r := mock.NewRunner(t)
			r.Impl.Run = func(ctx context.Context, cmd process.Command) ([]byte, error) {
				return nil, testcase.err
			}
			actual, err := docker.New(r).ImageExists(context.Background(), "img")
			if (err != nil) != testcase.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if actual != testcase.expected {
				t.Errorf("(actual, expected) = (%v, %v)", actual, testcase.expected)
			}
		})
	}
}

func TestRunArgs(t *testing.T) {
	actual := docker.RunArgs(map[string]any{
		"gpus":     "all",
		"volume":   []any{"/a:/a", "/b:/b"},
		"t":        true,
		"rm":       false,
		"network":  nil,
		"shm-size": 2.0,
		"cpus":     1.5,
	})
	expected := []string{
		"--cpus", "1.5", "--gpus", "all", "--shm-size", "2", "-t", "--volume", "/a:/a", "--volume", "/b:/b",
	}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("(actual, expected) = (%v, %v)", actual, expected)
	}
}

func TestEnvArgs(t *testing.T) {
	actual := docker.EnvArgs(map[string]string{"B": "2", "A": "x=y"})
	expected := []string{"--env", "A=x=y", "--env", "B=2"}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("(actual, expected) = (%v, %v)", actual, expected)
	}
}
