package stage

import "sort"

// Graph is an ordered snapshot of the pipeline. Any stage may move to any other;
// order only matters for skip warnings and conversion metrics.
type Graph struct {
	stages []Stage
	index  map[string]int
}

func NewGraph(stages []Stage) *Graph {
	sorted := make([]Stage, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].ID < sorted[j].ID
	})

	index := make(map[string]int, len(sorted))
	for i, s := range sorted {
		index[s.ID] = i
	}
	return &Graph{stages: sorted, index: index}
}

func (g *Graph) Stage(id string) (*Stage, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.stages[i], true
}

// Stages returns the stages ordered by Order.
func (g *Graph) Stages() []Stage {
	return g.stages
}

// Between returns the active stages whose order lies strictly between from and to.
func (g *Graph) Between(from, to string) []Stage {
	a, okA := g.Stage(from)
	b, okB := g.Stage(to)
	if !okA || !okB {
		return nil
	}
	lo, hi := a.Order, b.Order
	if lo > hi {
		lo, hi = hi, lo
	}
	var out []Stage
	for _, s := range g.stages {
		if s.Active && s.Order > lo && s.Order < hi {
			out = append(out, s)
		}
	}
	return out
}

// IsForward reports whether to sits later in the pipeline than from.
func (g *Graph) IsForward(from, to string) bool {
	a, okA := g.Stage(from)
	b, okB := g.Stage(to)
	return okA && okB && b.Order > a.Order
}

// Next returns the first active stage after id.
func (g *Graph) Next(id string) (*Stage, bool) {
	cur, ok := g.Stage(id)
	if !ok {
		return nil, false
	}
	for i := range g.stages {
		if g.stages[i].Active && g.stages[i].Order > cur.Order {
			return &g.stages[i], true
		}
	}
	return nil, false
}
