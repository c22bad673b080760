package state

func (n *Node) isDirty(name string) bool {
	_, ok := n.dirtyVars[name]
	return ok
}

// addDirty adds name to the dirty set and reports whether it was new.
func (n *Node) addDirty(name string) bool {
	if _, ok := n.dirtyVars[name]; ok {
		return false
	}
	n.dirtyVars[name] = struct{}{}
	n.tree.gen++
	return true
}

// MarkDirty bubbles dirtiness to the root, expands the dirty set through the
// computed var graph until nothing new is added, and pushes dirty vars that
// descendants or other states read into those nodes.
func (n *Node) MarkDirty() {
	if p := n.Parent(); p != nil {
		if _, listed := p.dirtyChildren[n.class.name]; !listed {
			p.dirtyChildren[n.class.name] = struct{}{}
			n.tree.gen++
			p.MarkDirty()
		}
	}
	n.expandComputed()
	n.markDirtySubstates()
	n.markDirtyReaders()
}

func (n *Node) expandComputed() {
	frontier := n.DirtyVars()
	for len(frontier) > 0 {
		var next []string
		for _, v := range frontier {
			for cv := range n.class.computedVarDeps[v] {
				if n.addDirty(cv) {
					delete(n.cache, cv)
					next = append(next, cv)
				}
			}
		}
		frontier = next
	}
}

func (n *Node) markDirtySubstates() {
	for _, v := range n.DirtyVars() {
		for childName := range n.class.substateVarDeps[v] {
			child := n.Substate(childName)
			if child == nil {
				continue
			}
			if child.addDirty(v) {
				child.MarkDirty()
			}
		}
	}
}

func (n *Node) markDirtyReaders() {
	for _, v := range n.DirtyVars() {
		for _, d := range n.class.crossStateDeps[v] {
			reader := n.tree.State(d.State)
			if reader == nil {
				continue
			}
			if reader.addDirty(d.Var) {
				delete(reader.cache, d.Var)
				reader.MarkDirty()
			}
		}
	}
}

// invalidate drops cached values of every computed var that transitively
// reads name, across descendants and other states.
func (n *Node) invalidate(name string, seen map[*Node]map[string]bool) {
	if seen[n] == nil {
		seen[n] = make(map[string]bool)
	}
	if seen[n][name] {
		return
	}
	seen[n][name] = true
	for cv := range n.class.computedVarDeps[name] {
		delete(n.cache, cv)
		n.invalidate(cv, seen)
	}
	for childName := range n.class.substateVarDeps[name] {
		if child := n.Substate(childName); child != nil {
			child.invalidate(name, seen)
		}
	}
	for _, d := range n.class.crossStateDeps[name] {
		if reader := n.tree.State(d.State); reader != nil {
			delete(reader.cache, d.Var)
			reader.invalidate(d.Var, seen)
		}
	}
}

// Clean resets the dirty sets of n and of every dirty descendant.
func (n *Node) Clean() {
	for name := range n.dirtyChildren {
		if child := n.Substate(name); child != nil {
			child.Clean()
		}
	}
	n.dirtyVars = make(map[string]struct{})
	n.dirtyChildren = make(map[string]struct{})
}
