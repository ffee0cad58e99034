// Package graph implements the live service graph: the in-memory,
// concurrent representation of a dependency graph while the daemon is
// running. It owns per-service cells (Node), the dependency-ordered
// parallel start/stop algorithms, and the reload bridge that merges a
// freshly-loaded persisted graph into the running one.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kansei-svc/kanseid/launcher"
	"github.com/kansei-svc/kanseid/service"
	"github.com/kansei-svc/kanseid/supervisor"
)

// Status is a live cell's place in its state machine:
// Reset -> Starting -> Up -> Stopping -> Down -> Starting.
type Status int

const (
	Reset Status = iota
	Starting
	Up
	Stopping
	Down
)

func (s Status) String() string {
	switch s {
	case Reset:
		return "reset"
	case Starting:
		return "starting"
	case Up:
		return "up"
	case Stopping:
		return "stopping"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// terminal reports whether s is a status wait_on_status/get_status may
// return: Starting and Stopping are transient and never terminal.
func (s Status) terminal() bool {
	return s == Up || s == Down
}

// LastStatus is last_status restricted to {None, Up, Down}: Starting
// and Stopping are never recorded here.
type LastStatus int

const (
	LastStatusNone LastStatus = iota
	LastStatusUp
	LastStatusDown
)

// Node is one live service cell. Its mutable fields are guarded by mu,
// a lock distinct from and inner to the graph's RWMutex: graph lock
// outer, cell lock inner, never two cell locks held at once.
type Node struct {
	Name string

	mu            sync.Mutex
	cond          *sync.Cond
	node          service.Service
	updatedNode   *service.Service
	status        Status
	lastStatus    LastStatus
	statusChanged time.Time
	supervisor    supervisor.Supervisor
	remove        bool
	dependencyErr error
}

// newNode builds a Reset cell for svc. The notifier is a sync.Cond over
// the same mutex that guards the rest of the cell's state, the Go
// rendering of a broadcast-on-every-transition condvar.
func newNode(svc service.Service) *Node {
	n := &Node{
		Name:          svc.Name,
		node:          svc,
		status:        Reset,
		lastStatus:    LastStatusNone,
		statusChanged: time.Now(),
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// ChangeStatus records a transition: under the cell's lock, record the
// outgoing status as last_status unless it was itself transient,
// install the new status, stamp the change time, and wake every
// waiter.
func (n *Node) ChangeStatus(next Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changeStatusLocked(next)
}

func (n *Node) changeStatusLocked(next Status) {
	if n.status != Starting && n.status != Stopping {
		switch n.status {
		case Up:
			n.lastStatus = LastStatusUp
		case Down:
			n.lastStatus = LastStatusDown
		}
	}
	n.status = next
	n.statusChanged = time.Now()
	n.cond.Broadcast()
}

// WaitOnStatus blocks until the cell reaches a terminal status, then
// returns it. Many goroutines
// may wait concurrently; every transition wakes all of them and each
// re-checks the predicate, tolerating spurious wakes. Cancelling ctx
// wakes this particular waiter via a Broadcast from a watcher goroutine
// without disturbing any other waiter.
func (n *Node) WaitOnStatus(ctx context.Context) (Status, error) {
	done := make(chan Status, 1)
	cancelled := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			close(cancelled)
			n.cond.Broadcast()
			n.mu.Unlock()
		case <-done:
		}
	}()

	n.mu.Lock()
	for !n.status.terminal() {
		select {
		case <-cancelled:
			n.mu.Unlock()
			return 0, ctx.Err()
		default:
		}
		n.cond.Wait()
	}
	st := n.status
	n.mu.Unlock()
	select {
	case done <- st:
	default:
	}
	return st, nil
}

// GetStatus is a non-blocking read, returning the current status if
// terminal, or (_, false) otherwise.
func (n *Node) GetStatus() (Status, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status, n.status.terminal()
}

// Snapshot is the read-only view returned by status queries.
type Snapshot struct {
	Name          string
	Status        Status
	LastStatus    LastStatus
	StatusChanged time.Time
	DependencyErr error
}

func (n *Node) snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Snapshot{
		Name:          n.Name,
		Status:        n.status,
		LastStatus:    n.lastStatus,
		StatusChanged: n.statusChanged,
		DependencyErr: n.dependencyErr,
	}
}

// beginStart transitions Reset -> Starting if and only if the cell is
// currently Reset or Down, returning whether this caller became the
// one responsible for driving the start (the idempotent-start
// tie-break). A concurrent caller that loses the race simply goes on
// to wait on the notifier like everyone else.
func (n *Node) beginStart() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != Reset && n.status != Down {
		return false
	}
	n.dependencyErr = nil
	n.changeStatusLocked(Starting)
	return true
}

// beginStop transitions Up -> Stopping or Starting -> Stopping,
// returning whether this caller became the one driving the stop. The
// Starting case cancels an in-flight start: the goroutine driving it
// observes the transition at its next checkpoint and aborts without
// launching. Already-Stopping or already-Down callers just wait.
func (n *Node) beginStop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != Up && n.status != Starting {
		return false
	}
	n.changeStatusLocked(Stopping)
	return true
}

func (n *Node) currentStatus() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) setSupervisor(s supervisor.Supervisor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.supervisor = s
}

func (n *Node) getSupervisor() supervisor.Supervisor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.supervisor
}

func (n *Node) clearSupervisor() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.supervisor = nil
}

func (n *Node) setDependencyErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dependencyErr = err
}

func (n *Node) service() service.Service {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.node
}

func (n *Node) dependencies() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.node.Dependencies...)
}

// markRemove sets the tombstone flag reload uses to drop this cell once
// it reaches Down.
func (n *Node) markRemove() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.remove = true
}

func (n *Node) markedForRemove() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remove
}

// stageUpdate installs a pending replacement definition, applied when
// stopService next brings the cell to Down. Until then, including a
// start from Reset, the cell keeps its current definition.
func (n *Node) stageUpdate(svc service.Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updatedNode = &svc
}

// applyPendingUpdate swaps node <- updatedNode if one is staged.
// Called by stopService once the cell has reached Down, so the next
// start uses the new definition.
func (n *Node) applyPendingUpdate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.updatedNode != nil {
		n.node = *n.updatedNode
		n.updatedNode = nil
	}
}

// launchConfig resolves which of Start/Stop script to use for the
// given phase, erroring out if the kind/phase combination has none
// configured (Bundle/Virtual never do; that's handled by the caller via
// ShouldStart before launchConfig is ever consulted).
func launchConfig(svc service.Service, script *service.Script) (launcher.Config, error) {
	if script == nil {
		return launcher.Config{}, fmt.Errorf("service %q: no script configured for this phase", svc.Name)
	}
	return launcher.Config{
		ServiceName: svc.Name,
		Script:      script,
		Environment: svc.Environment,
		Notify:      svc.Kind == service.Longrun,
	}, nil
}
