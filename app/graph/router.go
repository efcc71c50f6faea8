package graph

import "slices"

// Decision is a routing result: the nodes to run next, or none for terminal.
type Decision struct {
	Targets []NodeID `json:"targets"`
}

func To(ids ...NodeID) Decision {
	return Decision{Targets: ids}
}

func Terminal() Decision {
	return Decision{}
}

func (d Decision) IsTerminal() bool {
	return len(d.Targets) == 0 || (len(d.Targets) == 1 && d.Targets[0] == End)
}

// Route returns the decision as recorded in state: targets, or [End].
func (d Decision) Route() []NodeID {
	if d.IsTerminal() {
		return []NodeID{End}
	}

	return slices.Clone(d.Targets)
}

// RouterFunc is a pure function of state used as a conditional edge.
type RouterFunc[S any] func(state S) Decision

// join merges the decisions of the nodes that ran in one step. Targets keep
// first-seen order, End is dropped unless nothing else remains.
func join(decisions []Decision) Decision {
	var targets []NodeID

	for _, d := range decisions {
		for _, id := range d.Targets {
			if id == End || slices.Contains(targets, id) {
				continue
			}
			targets = append(targets, id)
		}
	}

	return Decision{Targets: targets}
}
