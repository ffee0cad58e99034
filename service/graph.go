package service

import "fmt"

// Node is the persisted record for one service inside a DependencyGraph:
// the Service definition plus its resolved dependency names (redundant
// with Service.Dependencies today, kept distinct because the on-disk
// format separates them, mirroring how the control tool edits
// dependencies independently of the service body).
type Node struct {
	Service      Service  `json:"service"`
	Dependencies []string `json:"dependencies"`
}

// DependencyGraph is the on-disk, control-tool-owned mapping from
// service name to Node. The core only ever reads it; enable/disable
// editing is out of scope here.
type DependencyGraph struct {
	Nodes map[string]Node `json:"nodes"`
}

// New returns an empty DependencyGraph.
func New() DependencyGraph {
	return DependencyGraph{Nodes: make(map[string]Node)}
}

// Validate checks the three structural invariants the core assumes a
// persisted graph already satisfies: every dependency name resolves,
// there are no cycles, and Bundle/Virtual nodes carry no scripts. Name
// uniqueness is enforced for free by Nodes being a map.
func (g DependencyGraph) Validate() error {
	for name, node := range g.Nodes {
		if err := node.Service.Validate(); err != nil {
			return err
		}
		for _, dep := range node.Dependencies {
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("service %q depends on unknown service %q", name, dep)
			}
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic runs a standard white/gray/black DFS over the
// dependency edges and fails on the first back-edge it finds.
func (g DependencyGraph) checkAcyclic() error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.Nodes))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("dependency cycle detected: %v -> %s", path, name)
		}
		color[name] = gray
		for _, dep := range g.Nodes[name].Dependencies {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range g.Nodes {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
