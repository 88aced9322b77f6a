package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opst/knitlaunch/pkg/launch/process"
)

type Runner struct {
	T    *testing.T
	Impl struct {
		Run      func(ctx context.Context, cmd process.Command) ([]byte, error)
		Start    func(ctx context.Context, cmd process.Command) (process.Handle, error)
		LookPath func(name string) (string, error)
	}

	mu    sync.Mutex
	Calls []process.Command
}

var _ process.Runner = &Runner{}

func NewRunner(t *testing.T) *Runner {
	return &Runner{T: t}
}

func (r *Runner) record(cmd process.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, cmd)
}

func (r *Runner) Run(ctx context.Context, cmd process.Command) ([]byte, error) {
	r.T.Helper()
	r.record(cmd)
	if r.Impl.Run == nil {
		r.T.Fatalf("Run is not implemented: %s", cmd)
	}
	return r.Impl.Run(ctx, cmd)
}

func (r *Runner) Start(ctx context.Context, cmd process.Command) (process.Handle, error) {
	r.T.Helper()
	r.record(cmd)
	if r.Impl.Start == nil {
		r.T.Fatalf("Start is not implemented: %s", cmd)
	}
	return r.Impl.Start(ctx, cmd)
}

func (r *Runner) LookPath(name string) (string, error) {
	r.T.Helper()
	if r.Impl.LookPath == nil {
		r.T.Fatalf("LookPath is not implemented: %s", name)
	}
	return r.Impl.LookPath(name)
}

// Handle is a fake process which exits when Exit is called.
type Handle struct {
	PID    int
	Out    []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	code   int
	exited bool

	// Stopped is the number of Stop calls.
	Stopped int
}

var _ process.Handle = &Handle{}

func NewHandle(pid int) *Handle {
	return &Handle{PID: pid, done: make(chan struct{})}
}

func (h *Handle) Exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code = code
		h.exited = true
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Handle) Pid() int {
	return h.PID
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.exited
}

func (h *Handle) Output() []byte {
	return h.Out
}

func (h *Handle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	h.Stopped += 1
	h.mu.Unlock()
	h.Exit(-15)
	return nil
}
