package graph

import (
	"context"

	"github.com/kansei-svc/kanseid/service"
)

// Reload merges a freshly-loaded persisted graph into the running one:
// new cells are added in Reset, removed cells are tombstoned and
// stopped asynchronously, and cells present in both graphs get the new
// definition staged if it changed (swapped in when the cell next stops,
// see stageUpdate), or are left alone if it didn't. Reload takes the graph's write lock, so it
// never races a concurrent start/stop's read-locked cell walk.
func (g *Graph) Reload(ctx context.Context, dg service.DependencyGraph) error {
	g.mu.Lock()
	existing := make(map[string]*Node, len(g.indexes))
	for name, idx := range g.indexes {
		existing[name] = g.cells[idx]
	}

	for _, name := range sortedNames(dg.Nodes) {
		if _, ok := existing[name]; !ok {
			node := dg.Nodes[name]
			g.cells = append(g.cells, newNode(node.Service))
			g.indexes[node.Service.Name] = len(g.cells) - 1
		}
	}

	var toRemove []*Node
	for name, cell := range existing {
		incoming, ok := dg.Nodes[name]
		if !ok {
			toRemove = append(toRemove, cell)
			continue
		}
		if !cell.service().Equal(incoming.Service) {
			cell.stageUpdate(incoming.Service)
		}
	}
	g.mu.Unlock()

	for _, cell := range toRemove {
		cell.markRemove()
	}

	// Stop tombstoned cells asynchronously: reload itself must not block
	// on a potentially-slow stop wave, and stopService already handles
	// dropping the cell and its rundir once it reaches Down.
	bg := context.WithoutCancel(ctx)
	for _, cell := range toRemove {
		cell := cell
		go func() {
			_ = g.stopService(bg, cell)
		}()
	}
	return nil
}
