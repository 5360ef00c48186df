package loom

// ExecutionPlan is a partial order over a graph's nodes.
//
// Every node in Levels[i] depends only on nodes in Levels[0..i-1]. Within a
// level, nodes keep the graph's insertion order.
type ExecutionPlan struct {
	Levels [][]string `json:"levels"`

	level map[string]int
	deps  map[string][]string
}

// Plan resolves a graph into execution levels, or returns a *CycleError
// naming the nodes that could not be ordered.
func Plan(g *Graph) (*ExecutionPlan, error) {
	lv, remaining := levels(g)
	if len(remaining) > 0 {
		return nil, &CycleError{Nodes: remaining}
	}

	p := &ExecutionPlan{
		Levels: lv,
		level:  make(map[string]int, len(g.Nodes)),
		deps:   dependencies(g),
	}
	for i, nodes := range lv {
		for _, id := range nodes {
			p.level[id] = i
		}
	}
	return p, nil
}

// LevelOf returns the level index of a node, or -1.
func (p *ExecutionPlan) LevelOf(id string) int {
	if l, ok := p.level[id]; ok {
		return l
	}
	return -1
}

// Dependencies returns the direct upstream nodes of id in insertion order.
func (p *ExecutionPlan) Dependencies(id string) []string {
	return p.deps[id]
}

// Size returns the number of planned nodes.
func (p *ExecutionPlan) Size() int {
	return len(p.level)
}

// dependencies maps each node to its distinct upstream nodes.
func dependencies(g *Graph) map[string][]string {
	deps := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if g.nodeIndex(e.From) < 0 || g.nodeIndex(e.To) < 0 {
			continue
		}
		if !containsString(deps[e.To], e.From) {
			deps[e.To] = append(deps[e.To], e.From)
		}
	}
	for id, ups := range deps {
		ordered := make([]string, 0, len(ups))
		for _, n := range g.Nodes {
			if containsString(ups, n.ID) {
				ordered = append(ordered, n.ID)
			}
		}
		deps[id] = ordered
	}
	return deps
}

// levels runs Kahn's algorithm one frontier at a time. Nodes left with a
// non-zero in-degree are returned in insertion order as remaining.
func levels(g *Graph) (lv [][]string, remaining []string) {
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	dependents := make(map[string][]string)
	for _, e := range g.Edges {
		if _, ok := indegree[e.From]; !ok {
			continue
		}
		if _, ok := indegree[e.To]; !ok {
			continue
		}
		indegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	placed := make(map[string]bool, len(g.Nodes))
	for len(placed) < len(indegree) {
		var frontier []string
		for _, n := range g.Nodes {
			if !placed[n.ID] && indegree[n.ID] == 0 && !containsString(frontier, n.ID) {
				frontier = append(frontier, n.ID)
			}
		}
		if len(frontier) == 0 {
			break
		}
		for _, id := range frontier {
			placed[id] = true
			for _, next := range dependents[id] {
				indegree[next]--
			}
		}
		lv = append(lv, frontier)
	}

	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		if !placed[n.ID] && !seen[n.ID] {
			seen[n.ID] = true
			remaining = append(remaining, n.ID)
		}
	}
	return lv, remaining
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
