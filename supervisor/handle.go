// Package supervisor implements the child-process-handle side of the
// script launcher: a pidfd-backed wait future analogous to rinit's
// async_pidfd::PidFd, plus the process-group signal used to stop a
// service without a configured stop script.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ExitResult is the terminal outcome of a launched script.
type ExitResult struct {
	ExitCode int
	Signaled bool
	Signal   unix.Signal
}

// Success reports whether the script completed without error (the
// "Oneshot exited 0" readiness condition).
func (r ExitResult) Success() bool {
	return !r.Signaled && r.ExitCode == 0
}

// Supervisor is the handle a live cell stores in its `supervisor`
// field: enough state to wait for the child's exit exactly once and
// replay the result to any number of callers, and to signal its
// process group. It is an interface so graph tests can substitute a
// fake without spawning real children.
type Supervisor interface {
	Pid() int
	Wait(ctx context.Context) (ExitResult, error)
	WaitReady(ctx context.Context) error
	Signal(sig unix.Signal) error
}

// Handle is the real Supervisor, backed by a pidfd where the kernel
// supports it (PidfdOpen, Linux 5.3+) and by Cmd.Wait otherwise. Either
// way the wait is performed exactly once, in a single background
// goroutine started at construction, and its result cached for
// repeated Wait calls, the Go rendering of a pidfd's "poll any number
// of times, always readable after exit" semantics.
type Handle struct {
	pid    int
	cmd    *exec.Cmd
	readyR *os.File

	done    chan struct{}
	result  ExitResult
	waitErr error
}

// New starts reaping cmd, which must already have been Start()ed, and
// returns a Handle for it. readyR, if non-nil, is the read end of the
// readiness pipe a Longrun script signals by writing a single byte to
// its write end (passed to the child as an extra file descriptor by
// the launcher); it is closed once consumed or once the handle is
// reaped, whichever comes first.
func New(cmd *exec.Cmd, readyR *os.File) *Handle {
	h := &Handle{
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		readyR: readyR,
		done:   make(chan struct{}),
	}
	go h.reap()
	return h
}

func (h *Handle) Pid() int { return h.pid }

func (h *Handle) reap() {
	if h.readyR != nil {
		defer h.readyR.Close()
	}
	defer close(h.done)

	pidfd, err := unix.PidfdOpen(h.pid, 0)
	if err != nil {
		// No pidfd support (non-Linux, or a kernel older than 5.3):
		// fall back to a blocking Wait on the *exec.Cmd itself.
		werr := h.cmd.Wait()
		h.result, h.waitErr = exitResultFromWaitError(h.cmd.ProcessState, werr)
		return
	}
	defer unix.Close(pidfd)

	// cmd.Process no longer reaps; the pidfd poll below owns that,
	// mirroring the "Process.Release(); reaper owns waits" idiom of a
	// dedicated process reaper.
	if err := h.cmd.Process.Release(); err != nil {
		h.waitErr = err
		return
	}

	fds := []unix.PollFd{{Fd: int32(pidfd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			h.waitErr = err
			return
		}
		break
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(h.pid, &ws, 0, nil); err != nil {
		h.waitErr = err
		return
	}
	h.result = exitResultFromWaitStatus(ws)
}

// Wait blocks until the child has exited, or ctx is done, whichever
// comes first. It may be called from multiple goroutines; all of them
// observe the same result.
func (h *Handle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, h.waitErr
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// WaitReady blocks until the script signals readiness on its
// notification pipe, until it exits first (an error), or until ctx is
// done. A Handle with no readiness pipe (Oneshot scripts, which signal
// readiness by exiting 0 instead) returns immediately.
func (h *Handle) WaitReady(ctx context.Context) error {
	if h.readyR == nil {
		return nil
	}
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := h.readyR.Read(buf)
		_ = h.readyR.Close()
		readErr <- err
	}()
	select {
	case err := <-readErr:
		if err != nil && err != io.EOF {
			return fmt.Errorf("waiting for readiness: %w", err)
		}
		return nil
	case <-h.done:
		return fmt.Errorf("process exited before signaling readiness")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal delivers sig to the child's entire process group, matching
// the launcher's setpgid(0, 0) isolation: stopping a service never
// touches the supervisor or its siblings.
func (h *Handle) Signal(sig unix.Signal) error {
	return unix.Kill(-h.pid, sig)
}

func exitResultFromWaitStatus(ws unix.WaitStatus) ExitResult {
	if ws.Signaled() {
		return ExitResult{Signaled: true, Signal: ws.Signal(), ExitCode: 128 + int(ws.Signal())}
	}
	return ExitResult{ExitCode: ws.ExitStatus()}
}

func exitResultFromWaitError(state *os.ProcessState, err error) (ExitResult, error) {
	if err == nil {
		return ExitResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if ws, ok := exitErr.Sys().(unix.WaitStatus); ok {
			return exitResultFromWaitStatus(ws), nil
		}
		return ExitResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return ExitResult{}, err
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

var _ Supervisor = (*Handle)(nil)
