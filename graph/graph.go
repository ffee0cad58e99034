package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kansei-svc/kanseid/kerrors"
	"github.com/kansei-svc/kanseid/launcher"
	"github.com/kansei-svc/kanseid/rundir"
	"github.com/kansei-svc/kanseid/service"
	"github.com/kansei-svc/kanseid/supervisor"
)

// Graph is the live service graph: a sequence of live cells plus a
// name-to-index mapping, shared under a readers-writer lock. Start/stop
// hold only the read lock and mutate individual cells through their
// own per-cell locks; Reload takes the write lock.
type Graph struct {
	mu      sync.RWMutex
	cells   []*Node
	indexes map[string]int

	launcher  launcher.Launcher
	rundir    *rundir.Manager
	logger    hclog.Logger
	stopGrace time.Duration
}

// Options configures a new Graph.
type Options struct {
	Launcher  launcher.Launcher
	Rundir    *rundir.Manager
	Logger    hclog.Logger
	StopGrace time.Duration
}

// New consumes the nodes of the persisted graph in (sorted, for
// determinism) order, builds a live cell per node, and constructs
// indexes from name to position. It assumes the input graph has
// already passed DependencyGraph.Validate(); a daemon that skips that
// check gets undefined behavior, same as the stated precondition.
func New(dg service.DependencyGraph, opts Options) (*Graph, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	g := &Graph{
		indexes:   make(map[string]int, len(dg.Nodes)),
		launcher:  opts.Launcher,
		rundir:    opts.Rundir,
		logger:    opts.Logger.Named("graph"),
		stopGrace: opts.StopGrace,
	}
	for _, name := range sortedNames(dg.Nodes) {
		node := dg.Nodes[name]
		if err := node.Service.Validate(); err != nil {
			return nil, &kerrors.GraphInvariantViolation{Reason: err.Error()}
		}
		g.cells = append(g.cells, newNode(node.Service))
		g.indexes[name] = len(g.cells) - 1
	}
	for name, node := range dg.Nodes {
		for _, dep := range node.Dependencies {
			if _, ok := g.indexes[dep]; !ok {
				return nil, &kerrors.GraphInvariantViolation{
					Reason: fmt.Sprintf("service %q depends on unknown service %q", name, dep),
				}
			}
		}
	}
	return g, nil
}

func sortedNames(nodes map[string]service.Node) []string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	// Simple insertion sort: graphs are small (tens to low hundreds of
	// services), and this keeps the package free of a sort import
	// dependency the rest of the codebase otherwise never needs.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// cellByName returns the live cell for name under the graph's read
// lock. The returned pointer is safe to use after the lock is released
// because cells are never reallocated in place, only swap-removed
// wholesale on reload.
func (g *Graph) cellByName(name string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.indexes[name]
	if !ok {
		return nil, false
	}
	return g.cells[idx], true
}

// dependents returns the live cells whose Dependencies list contains
// name: the reverse-dependency edges stop_service walks.
func (g *Graph) dependents(name string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Node
	for _, cell := range g.cells {
		for _, dep := range cell.dependencies() {
			if dep == name {
				out = append(out, cell)
				break
			}
		}
	}
	return out
}

// Status returns the terminal status of name, waiting for it to
// settle rather than peeking at an in-flight transition and
// discarding what it sees.
func (g *Graph) Status(ctx context.Context, name string) (Snapshot, error) {
	cell, ok := g.cellByName(name)
	if !ok {
		return Snapshot{}, &kerrors.IpcError{Kind: kerrors.IpcUnknownService, Err: fmt.Errorf("unknown service %q", name)}
	}
	if _, terminal := cell.GetStatus(); !terminal {
		if _, err := cell.WaitOnStatus(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	return cell.snapshot(), nil
}

// StartAll starts every cell whose Service.ShouldStart is true in
// parallel; the call returns once every launched start has reached a
// terminal status, and one failure never aborts the others.
func (g *Graph) StartAll(ctx context.Context) error {
	g.mu.RLock()
	cells := append([]*Node(nil), g.cells...)
	g.mu.RUnlock()

	var grp errgroup.Group
	for _, cell := range cells {
		cell := cell
		if !cell.service().ShouldStart() {
			continue
		}
		grp.Go(func() error {
			return g.startService(ctx, cell)
		})
	}
	return grp.Wait()
}

// StopAll is the symmetric counterpart used by the daemon's shutdown
// path and by the round-trip law test (start_all; stop_all leaves every
// cell Down with supervisor == nil).
func (g *Graph) StopAll(ctx context.Context) error {
	g.mu.RLock()
	cells := append([]*Node(nil), g.cells...)
	g.mu.RUnlock()

	var grp errgroup.Group
	for _, cell := range cells {
		cell := cell
		grp.Go(func() error {
			return g.stopService(ctx, cell)
		})
	}
	return grp.Wait()
}

// StartService starts a single named service for an external caller
// (the IPC layer), resolving name to its cell first.
func (g *Graph) StartService(ctx context.Context, name string) error {
	cell, ok := g.cellByName(name)
	if !ok {
		return &kerrors.IpcError{Kind: kerrors.IpcUnknownService, Err: fmt.Errorf("unknown service %q", name)}
	}
	return g.startService(ctx, cell)
}

// startService is the recursive single-service start: it brings up
// every dependency first, then launches cell itself.
func (g *Graph) startService(ctx context.Context, cell *Node) error {
	if !cell.beginStart() {
		// Someone else is already driving this cell's transition:
		// just wait for it to settle.
		_, err := cell.WaitOnStatus(ctx)
		return err
	}

	svc := cell.service()
	deps := cell.dependencies()

	var grp errgroup.Group
	for _, depName := range deps {
		depName := depName
		depCell, ok := g.cellByName(depName)
		if !ok {
			continue
		}
		status := depCell.currentStatus()
		if status == Up || status == Starting || status == Stopping {
			continue
		}
		grp.Go(func() error {
			return g.startService(ctx, depCell)
		})
	}
	if err := grp.Wait(); err != nil {
		g.logger.Warn("dependency start failed", "service", svc.Name, "error", err)
	}

	// A stop request may have cancelled this start while it waited on
	// dependencies: back off here rather than racing stop_service to
	// decide the cell's final status.
	if cell.currentStatus() != Starting {
		return nil
	}

	var failedDep string
	for _, depName := range deps {
		depCell, ok := g.cellByName(depName)
		if !ok {
			continue
		}
		st, err := depCell.WaitOnStatus(ctx)
		if err != nil {
			return err
		}
		if st == Down && failedDep == "" {
			failedDep = depName
		}
	}
	if failedDep != "" {
		cell.setDependencyErr(&kerrors.DependencyFailed{Service: svc.Name, Dependency: failedDep})
		cell.ChangeStatus(Down)
		return nil
	}

	// Re-check at the last possible checkpoint before a child is
	// actually spawned.
	if cell.currentStatus() != Starting {
		return nil
	}

	if err := g.launch(ctx, cell, svc); err != nil {
		g.logger.Error("launch failed", "service", svc.Name, "error", err)
		cell.ChangeStatus(Down)
		return nil
	}
	return nil
}

// launch dispatches the appropriate executor for svc's kind and blocks
// until it signals readiness (or, for Oneshot, until it exits 0),
// transitioning the cell to Up on success.
func (g *Graph) launch(ctx context.Context, cell *Node, svc service.Service) error {
	switch svc.Kind {
	case service.Bundle, service.Virtual:
		cell.ChangeStatus(Up)
		return nil
	case service.Oneshot:
		cfg, err := launchConfig(svc, svc.Start)
		if err != nil {
			return &kerrors.LaunchError{Kind: kerrors.ExecFailure, Service: svc.Name, Err: err}
		}
		if g.rundir != nil {
			if err := g.rundir.Write(svc.Name, cfg.Script); err != nil {
				return &kerrors.IoError{Path: svc.Name, Err: err}
			}
		}
		h, err := g.launcher.Launch(ctx, cfg)
		if err != nil {
			return err
		}
		cell.setSupervisor(h)
		result, err := h.Wait(ctx)
		cell.clearSupervisor()
		if err != nil {
			return err
		}
		if !result.Success() {
			return fmt.Errorf("service %q exited non-zero", svc.Name)
		}
		cell.ChangeStatus(Up)
		return nil
	case service.Longrun:
		cfg, err := launchConfig(svc, svc.Start)
		if err != nil {
			return &kerrors.LaunchError{Kind: kerrors.ExecFailure, Service: svc.Name, Err: err}
		}
		if g.rundir != nil {
			if err := g.rundir.Write(svc.Name, cfg.Script); err != nil {
				return &kerrors.IoError{Path: svc.Name, Err: err}
			}
		}
		h, err := g.launcher.Launch(ctx, cfg)
		if err != nil {
			return err
		}
		cell.setSupervisor(h)
		if err := h.WaitReady(ctx); err != nil {
			cell.clearSupervisor()
			return err
		}
		cell.ChangeStatus(Up)
		go g.watchLongrun(cell, h)
		return nil
	default:
		return fmt.Errorf("service %q: unknown kind %q", svc.Name, svc.Kind)
	}
}

// watchLongrun waits for an already-Up Longrun's process to exit on its
// own (crash, or a stop already in flight) and reflects that as Down.
func (g *Graph) watchLongrun(cell *Node, h supervisor.Supervisor) {
	_, _ = h.Wait(context.Background())
	if cell.getSupervisor() == h {
		cell.clearSupervisor()
		if st := cell.currentStatus(); st == Up || st == Starting {
			cell.ChangeStatus(Down)
		}
	}
}

// StopService stops a single named service for an external caller.
func (g *Graph) StopService(ctx context.Context, name string) error {
	cell, ok := g.cellByName(name)
	if !ok {
		return &kerrors.IpcError{Kind: kerrors.IpcUnknownService, Err: fmt.Errorf("unknown service %q", name)}
	}
	return g.stopService(ctx, cell)
}

// stopService stops every dependent first, then runs this cell's stop
// script (or signals its process group if none is configured), waiting
// up to stopGrace before escalating to SIGKILL.
func (g *Graph) stopService(ctx context.Context, cell *Node) error {
	dependents := g.dependents(cell.Name)
	var grp errgroup.Group
	for _, dep := range dependents {
		dep := dep
		grp.Go(func() error {
			return g.stopService(ctx, dep)
		})
	}
	if err := grp.Wait(); err != nil {
		g.logger.Warn("dependent stop failed", "service", cell.Name, "error", err)
	}
	for _, dep := range dependents {
		if _, err := dep.WaitOnStatus(ctx); err != nil {
			return err
		}
	}

	if !cell.beginStop() {
		if cell.currentStatus() == Stopping {
			_, err := cell.WaitOnStatus(ctx)
			return err
		}
		// Already Down, or never started (Reset): neither has anything
		// to stop, but a tombstoned one still needs dropping so
		// reload's removal completes.
		if cell.markedForRemove() {
			g.dropCell(cell.Name)
			if g.rundir != nil {
				_ = g.rundir.Remove(cell.Name)
			}
		}
		return nil
	}

	svc := cell.service()
	h := cell.getSupervisor()
	if svc.Stop != nil {
		cfg, err := launchConfig(svc, svc.Stop)
		if err == nil {
			if stopper, launchErr := g.launcher.Launch(ctx, cfg); launchErr == nil {
				_, _ = stopper.Wait(ctx)
			}
		}
	} else if h != nil {
		_ = h.Signal(unix.SIGTERM)
	}

	if h != nil {
		gctx, cancel := context.WithTimeout(ctx, g.graceOrDefault())
		_, err := h.Wait(gctx)
		cancel()
		if err != nil {
			_ = h.Signal(unix.SIGKILL)
			_, _ = h.Wait(context.Background())
		}
	}

	cell.clearSupervisor()
	cell.ChangeStatus(Down)

	if cell.markedForRemove() {
		g.dropCell(cell.Name)
		if g.rundir != nil {
			_ = g.rundir.Remove(cell.Name)
		}
	} else {
		cell.applyPendingUpdate()
	}
	return nil
}

func (g *Graph) graceOrDefault() time.Duration {
	if g.stopGrace <= 0 {
		return 10 * time.Second
	}
	return g.stopGrace
}

// dropCell removes name from the live graph by swap-remove, keeping
// indexes a bijection to cell positions in O(1).
func (g *Graph) dropCell(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.indexes[name]
	if !ok {
		return
	}
	last := len(g.cells) - 1
	g.cells[idx] = g.cells[last]
	g.cells[last] = nil
	g.cells = g.cells[:last]
	delete(g.indexes, name)
	if idx != last {
		g.indexes[g.cells[idx].Name] = idx
	}
}
