package state

import (
	"sort"

	"statesync/pkg"
)

// maxDeltaPasses bounds re-extraction when computed var getters mutate the
// tree as a side effect.
const maxDeltaPasses = 16

// GetDelta returns the changed values of n and its dirty descendants keyed
// by state full name. Uncached computed vars are always included. Getters
// may set other vars of the tree; extraction repeats until a pass observes
// no new change. Dirty sets are left in place: call Clean after sending.
func (n *Node) GetDelta() (pkg.Delta, error) {
	n.walk(func(m *Node) {
		if len(m.class.alwaysDirty) == 0 {
			return
		}
		for _, v := range m.class.alwaysDirty {
			delete(m.cache, v)
			m.addDirty(v)
		}
		m.MarkDirty()
	})

	for pass := 0; pass < maxDeltaPasses; pass++ {
		gen := n.tree.gen
		delta := make(pkg.Delta)
		n.extract(delta)
		if n.tree.gen == gen {
			return delta, nil
		}
	}
	return nil, &UnstableDeltaError{Passes: maxDeltaPasses}
}

func (n *Node) extract(delta pkg.Delta) {
	var names []string
	for v := range n.dirtyVars {
		if n.class.isBase(v) || n.class.computed[v] != nil {
			names = append(names, v)
		}
	}
	if len(names) > 0 {
		sort.Strings(names)
		changed := make(map[string]any, len(names))
		for _, v := range names {
			val, _ := n.own(v)
			changed[v] = val
		}
		delta[n.class.fullName] = changed
	}
	for _, name := range n.DirtyChildren() {
		if child := n.Substate(name); child != nil {
			child.extract(delta)
		}
	}
}

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, child := range n.Substates() {
		child.walk(fn)
	}
}

// GetDelta extracts the delta of the whole tree without cleaning it.
func (t *Tree) GetDelta() (pkg.Delta, error) {
	return t.Root().GetDelta()
}

// Clean resets every dirty set in the tree.
func (t *Tree) Clean() {
	t.Root().Clean()
}

// TakeDelta extracts the delta of the whole tree and cleans it, so a second
// call without intervening mutation only carries uncached computed vars.
func (t *Tree) TakeDelta() (pkg.Delta, error) {
	delta, err := t.GetDelta()
	if err != nil {
		return nil, err
	}
	t.Clean()
	return delta, nil
}

// Snapshot returns every base and computed var of every materialized node.
// Backend vars are omitted.
func (t *Tree) Snapshot() pkg.Delta {
	out := make(pkg.Delta, len(t.nodes))
	for _, n := range t.nodes {
		vals := make(map[string]any)
		for _, v := range n.class.baseVars {
			vals[v] = n.values[v]
		}
		for _, v := range n.class.computedOrder {
			vals[v] = n.evaluate(n.class.computed[v])
		}
		out[n.class.fullName] = vals
	}
	return out
}
