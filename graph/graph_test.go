package graph

import (
	"context"
	"testing"
	"time"

	"github.com/kansei-svc/kanseid/service"
)

func noopScript() *service.Script {
	return &service.Script{Prefix: service.PrefixBash, Execute: "true"}
}

func longrun(name string, deps ...string) service.Node {
	return service.Node{
		Service: service.Service{
			Name:         name,
			Kind:         service.Longrun,
			Dependencies: deps,
			RunLevel:     service.DefaultRunLevel,
			Start:        noopScript(),
		},
		Dependencies: deps,
	}
}

func buildGraph(t *testing.T, fl *fakeLauncher, nodes ...service.Node) *Graph {
	t.Helper()
	dg := service.New()
	for _, n := range nodes {
		dg.Nodes[n.Service.Name] = n
	}
	for _, n := range nodes {
		fl.succeed(n.Service.Name)
	}
	g, err := New(dg, Options{Launcher: fl, StopGrace: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// Linear dependency chain A -> B -> C.
func TestLinearChain(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl,
		longrun("A", "B"),
		longrun("B", "C"),
		longrun("C"),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	snapA, _ := g.Status(ctx, "A")
	snapB, _ := g.Status(ctx, "B")
	snapC, _ := g.Status(ctx, "C")
	if snapA.Status != Up || snapB.Status != Up || snapC.Status != Up {
		t.Fatalf("expected all Up, got A=%v B=%v C=%v", snapA.Status, snapB.Status, snapC.Status)
	}
	// C must not become Up strictly after A.
	if snapC.StatusChanged.After(snapA.StatusChanged) {
		t.Errorf("C became Up after A: C=%v A=%v", snapC.StatusChanged, snapA.StatusChanged)
	}
	if snapC.StatusChanged.After(snapB.StatusChanged) {
		t.Errorf("C became Up after B: C=%v B=%v", snapC.StatusChanged, snapB.StatusChanged)
	}
	if snapB.StatusChanged.After(snapA.StatusChanged) {
		t.Errorf("B became Up after A: B=%v A=%v", snapB.StatusChanged, snapA.StatusChanged)
	}
}

// Diamond dependency shape: A->B, A->C, B->D, C->D.
func TestDiamond(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl,
		longrun("A", "B", "C"),
		longrun("B", "D"),
		longrun("C", "D"),
		longrun("D"),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	snapA, _ := g.Status(ctx, "A")
	snapB, _ := g.Status(ctx, "B")
	snapC, _ := g.Status(ctx, "C")
	snapD, _ := g.Status(ctx, "D")
	for name, s := range map[string]Snapshot{"A": snapA, "B": snapB, "C": snapC, "D": snapD} {
		if s.Status != Up {
			t.Fatalf("%s: expected Up, got %v", name, s.Status)
		}
	}
	if snapD.StatusChanged.After(snapB.StatusChanged) || snapD.StatusChanged.After(snapC.StatusChanged) {
		t.Errorf("D became Up after a dependent")
	}
	if snapA.StatusChanged.Before(snapB.StatusChanged) || snapA.StatusChanged.Before(snapC.StatusChanged) {
		t.Errorf("A became Up before a dependency")
	}
}

// Failing leaf: A depends on B, B's start script fails.
func TestFailingLeaf(t *testing.T) {
	fl := newFakeLauncher()
	dg := service.New()
	dg.Nodes["A"] = longrun("A", "B")
	dg.Nodes["B"] = longrun("B")
	fl.fail("B")
	fl.succeed("A")

	g, err := New(dg, Options{Launcher: fl, StopGrace: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.StartAll(ctx)

	snapB, _ := g.Status(ctx, "B")
	snapA, _ := g.Status(ctx, "A")
	if snapB.Status != Down {
		t.Fatalf("expected B Down, got %v", snapB.Status)
	}
	if snapA.Status != Down {
		t.Fatalf("expected A Down, got %v", snapA.Status)
	}
	if snapA.DependencyErr == nil {
		t.Errorf("expected A's snapshot to carry a dependency error")
	}
	if fl.spawnCount("A") != 0 {
		t.Errorf("A should never have been launched, spawn count = %d", fl.spawnCount("A"))
	}
}

// Idempotent concurrent start.
func TestIdempotentStart(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl, longrun("A"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- g.StartService(ctx, "A") }()
	go func() { errCh <- g.StartService(ctx, "A") }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("StartService: %v", err)
		}
	}

	snap, _ := g.Status(ctx, "A")
	if snap.Status != Up {
		t.Fatalf("expected A Up, got %v", snap.Status)
	}
	if fl.spawnCount("A") != 1 {
		t.Errorf("expected exactly one spawn, got %d", fl.spawnCount("A"))
	}
}

// A stop issued while a cell is still Starting cancels the in-flight
// start instead of being silently ignored: the cell must never be
// launched, and ends up Down without stop_service ever touching a
// process (none was spawned for it to touch).
func TestStopServiceCancelsStartingCell(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl, longrun("A", "B"), longrun("B"))

	aCell, ok := g.cellByName("A")
	if !ok {
		t.Fatalf("A missing from live graph")
	}

	// B's launch is the last thing A's start waits on before its own
	// checkpoint; firing the stop from inside it lands deterministically
	// in the window the checkpoint is meant to catch.
	fl.hook("B", func() {
		if err := g.StopService(context.Background(), "A"); err != nil {
			t.Errorf("StopService: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StartService(ctx, "A"); err != nil {
		t.Fatalf("StartService: %v", err)
	}

	if fl.spawnCount("A") != 0 {
		t.Errorf("A should never have been launched once its start was cancelled, spawn count = %d", fl.spawnCount("A"))
	}
	if st := aCell.currentStatus(); st != Down {
		t.Errorf("expected A Down after its cancelled start was finalized by stop_service, got %v", st)
	}
}

// Reload preserves running services.
func TestReloadPreservesRunning(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl, longrun("A"), longrun("B"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	beforeA, _ := g.Status(ctx, "A")
	beforeB, _ := g.Status(ctx, "B")

	dg := service.New()
	dg.Nodes["A"] = longrun("A")
	dg.Nodes["B"] = longrun("B")
	dg.Nodes["C"] = longrun("C")
	fl.succeed("C")
	if err := g.Reload(ctx, dg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	afterA, _ := g.Status(ctx, "A")
	afterB, _ := g.Status(ctx, "B")
	if afterA.Status != Up || !afterA.StatusChanged.Equal(beforeA.StatusChanged) {
		t.Errorf("A disturbed by reload: before=%v after=%v", beforeA, afterA)
	}
	if afterB.Status != Up || !afterB.StatusChanged.Equal(beforeB.StatusChanged) {
		t.Errorf("B disturbed by reload: before=%v after=%v", beforeB, afterB)
	}

	cCell, ok := g.cellByName("C")
	if !ok {
		t.Fatalf("C missing from live graph after reload")
	}
	if st := cCell.currentStatus(); st != Reset {
		t.Errorf("expected C in Reset after reload, got %v", st)
	}
}

// Reload removes a service.
func TestReloadRemoves(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl, longrun("A"), longrun("B"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	dg := service.New()
	dg.Nodes["A"] = longrun("A")
	if err := g.Reload(ctx, dg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := g.cellByName("B"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("B was never dropped from the live graph")
		case <-time.After(10 * time.Millisecond):
		}
	}

	snapA, _ := g.Status(ctx, "A")
	if snapA.Status != Up {
		t.Fatalf("expected A still Up, got %v", snapA.Status)
	}
}

// Round-trip law: start_all; stop_all leaves every cell Down with no
// supervisor.
func TestStartAllStopAllRoundTrip(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl,
		longrun("A", "B"),
		longrun("B", "C"),
		longrun("C"),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := g.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	for _, name := range []string{"A", "B", "C"} {
		cell, _ := g.cellByName(name)
		if st := cell.currentStatus(); st != Down {
			t.Errorf("%s: expected Down, got %v", name, st)
		}
		if cell.getSupervisor() != nil {
			t.Errorf("%s: expected nil supervisor after stop_all", name)
		}
	}
}

// Round-trip law: reload with an unchanged graph is a no-op.
func TestReloadUnchangedIsNoop(t *testing.T) {
	fl := newFakeLauncher()
	g := buildGraph(t, fl, longrun("A"), longrun("B", "A"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	before := map[string]Snapshot{}
	for _, name := range []string{"A", "B"} {
		before[name], _ = g.Status(ctx, name)
	}

	dg := service.New()
	dg.Nodes["A"] = longrun("A")
	dg.Nodes["B"] = longrun("B", "A")
	if err := g.Reload(ctx, dg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	for _, name := range []string{"A", "B"} {
		after, _ := g.Status(ctx, name)
		if after.Status != before[name].Status || !after.StatusChanged.Equal(before[name].StatusChanged) {
			t.Errorf("%s changed on unchanged reload: before=%v after=%v", name, before[name], after)
		}
		if fl.spawnCount(name) != 1 {
			t.Errorf("%s: expected exactly one spawn across the whole test, got %d", name, fl.spawnCount(name))
		}
	}
}
