// Package process runs OS commands: one-shot ones, and long running ones
// which are polled and stopped later.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Command is what to run.
type Command struct {
	Name string
	Args []string

	// Env is added to the environment of this process.
	Env []string

	Dir   string
	Stdin io.Reader

	// Stream, if not nil, receives output as it is written.
	Stream io.Writer
}

func (c Command) String() string {
	return fmt.Sprint(append([]string{c.Name}, c.Args...))
}

// Handle is a started process.
type Handle interface {
	Pid() int

	// Done is closed when the process exits.
	Done() <-chan struct{}

	// ExitCode returns the exit code. ok is false while the process is running.
	//
	// A process killed by a signal has negative code.
	ExitCode() (code int, ok bool)

	// Output is stdout and stderr written so far.
	Output() []byte

	// Stop sends SIGTERM to the process group, and waits it to exit.
	// After grace period, SIGKILL is sent.
	//
	// Stopping an exited process is no-op.
	Stop(ctx context.Context, grace time.Duration) error
}

// Runner runs commands.
type Runner interface {
	// Run runs the command to the end and returns its combined output.
	//
	// A non-zero exit is reported as *ExitError.
	Run(ctx context.Context, cmd Command) ([]byte, error)

	// Start starts the command in background.
	Start(ctx context.Context, cmd Command) (Handle, error)

	// LookPath reports whether the command is installed.
	LookPath(name string) (string, error)
}

// ExitError is an exit with non-zero status.
type ExitError struct {
	Command Command
	Code    int
	Output  []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
}

// OS runs commands as child processes.
type OS struct{}

var _ Runner = OS{}

func (OS) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if 0 < len(c.Env) {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func (OS) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := command(ctx, c)
	buf := new(syncBuffer)
	var out io.Writer = buf
	if c.Stream != nil {
		out = io.MultiWriter(buf, c.Stream)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	output := buf.Bytes()
	if ee := new(exec.ExitError); errors.As(err, &ee) {
		return output, &ExitError{Command: c, Code: ee.ExitCode(), Output: output}
	}
	return output, err
}

func (OS) Start(_ context.Context, c Command) (Handle, error) {
	// the process outlives ctx; it is stopped by Handle.Stop.
	cmd := command(context.Background(), c)
	setProcessGroup(cmd)

	h := &handle{done: make(chan struct{}), buf: new(syncBuffer)}
	var out io.Writer = h.buf
	if c.Stream != nil {
		out = io.MultiWriter(h.buf, c.Stream)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h.cmd = cmd

	go func() {
		defer close(h.done)
		cmd.Wait()
		h.mu.Lock()
		defer h.mu.Unlock()
		h.exitCode = exitCode(cmd.ProcessState)
		h.exited = true
	}()
	return h, nil
}

type handle struct {
	cmd  *exec.Cmd
	done chan struct{}
	buf  *syncBuffer

	mu       sync.Mutex
	exited   bool
	exitCode int
}

func (h *handle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

func (h *handle) Output() []byte {
	return h.buf.Bytes()
}

func (h *handle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := terminate(h.cmd); err != nil {
		select {
		case <-h.done:
			return nil
		default:
			return err
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if err := kill(h.cmd); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}
