package graph

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kansei-svc/kanseid/launcher"
	"github.com/kansei-svc/kanseid/supervisor"
	"golang.org/x/sys/unix"
)

// fakeLauncher never touches the OS: it hands back a fakeSupervisor
// whose behavior (succeed, fail) the test configures per service
// name in advance. Spawn counts are tracked for the idempotent-start
// "exactly one child spawned" assertion.
type fakeLauncher struct {
	mu       sync.Mutex
	behavior map[string]func() *fakeSupervisor
	spawns   map[string]int
	hooks    map[string]func()
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		behavior: make(map[string]func() *fakeSupervisor),
		spawns:   make(map[string]int),
		hooks:    make(map[string]func()),
	}
}

// hook registers fn to run synchronously inside Launch for name, after
// the spawn count is incremented but before the configured behavior
// runs. It lets a test land a side effect at an exact point in the
// launch sequence instead of racing it with a sleep.
func (f *fakeLauncher) hook(name string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[name] = fn
}

// succeed configures name's launch to report ready immediately; the
// fake process then keeps running until it is signalled.
func (f *fakeLauncher) succeed(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behavior[name] = func() *fakeSupervisor {
		return newFakeSupervisor(true, nil)
	}
}

// fail configures name's launch to report a non-zero exit / never ready.
func (f *fakeLauncher) fail(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behavior[name] = func() *fakeSupervisor {
		return newFakeSupervisor(false, nil)
	}
}

func (f *fakeLauncher) spawnCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns[name]
}

func (f *fakeLauncher) Launch(ctx context.Context, cfg launcher.Config) (supervisor.Supervisor, error) {
	f.mu.Lock()
	f.spawns[cfg.ServiceName]++
	behavior, ok := f.behavior[cfg.ServiceName]
	hook := f.hooks[cfg.ServiceName]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return newFakeSupervisor(true, nil), nil
	}
	return behavior(), nil
}

// fakeSupervisor is a no-op supervisor.Supervisor: ready/exit status is
// fixed at construction and WaitReady returns immediately. A ready fake
// behaves like a running process: Wait blocks until Signal is called
// (or ctx is done), then reports exit 0. A not-ready fake's Wait
// reports exit 1 at once.
type fakeSupervisor struct {
	ready    bool
	signaled int32
	exitErr  error
	stopped  chan struct{}
	stopOnce sync.Once
}

func newFakeSupervisor(ready bool, exitErr error) *fakeSupervisor {
	return &fakeSupervisor{ready: ready, exitErr: exitErr, stopped: make(chan struct{})}
}

func (f *fakeSupervisor) Pid() int { return 1 }

func (f *fakeSupervisor) Wait(ctx context.Context) (supervisor.ExitResult, error) {
	if f.exitErr != nil {
		return supervisor.ExitResult{}, f.exitErr
	}
	if f.ready {
		select {
		case <-f.stopped:
			return supervisor.ExitResult{ExitCode: 0}, nil
		case <-ctx.Done():
			return supervisor.ExitResult{}, ctx.Err()
		}
	}
	return supervisor.ExitResult{ExitCode: 1}, nil
}

func (f *fakeSupervisor) WaitReady(ctx context.Context) error {
	if f.ready {
		return nil
	}
	return errNotReady
}

func (f *fakeSupervisor) Signal(sig unix.Signal) error {
	atomic.AddInt32(&f.signaled, 1)
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

var errNotReady = &notReadyError{}

type notReadyError struct{}

func (e *notReadyError) Error() string { return "fake service never became ready" }

var _ supervisor.Supervisor = (*fakeSupervisor)(nil)
var _ launcher.Launcher = (*fakeLauncher)(nil)
