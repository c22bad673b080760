package state

import (
	"errors"
	"fmt"
	"sort"
)

// Schema is a compiled, immutable state class hierarchy.
type Schema struct {
	root    *Class
	classes map[string]*Class
	order   []*Class
}

// NewSchema compiles the hierarchy rooted at root. Dependency analysis runs
// here, once per class; the result never changes afterwards.
func NewSchema(root *Class) (*Schema, error) {
	if root == nil {
		return nil, errors.New("nil root class")
	}
	if root.parent != nil {
		return nil, fmt.Errorf("class %s is not a root class", root.fullName)
	}
	if root.schema != nil {
		return nil, fmt.Errorf("class %s is already compiled", root.fullName)
	}
	s := &Schema{root: root, classes: make(map[string]*Class)}
	var walk func(c *Class) error
	walk = func(c *Class) error {
		if c.err != nil {
			return c.err
		}
		s.classes[c.fullName] = c
		s.order = append(s.order, c)
		for _, child := range c.children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}

	src := newSourceCache()
	for _, c := range s.order {
		for _, name := range c.computedOrder {
			cv := c.computed[name]
			raw := cv.declared
			if !cv.explicit {
				inferred, err := inferDependencies(c, cv, src)
				switch {
				case errors.Is(err, errSourceUnavailable):
					// No source to analyse: recompute on every delta instead.
					cv.cached = false
					continue
				case err != nil:
					return nil, err
				}
				raw = inferred
			}
			for _, d := range raw {
				if err := s.register(c, cv, d); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, c := range s.order {
		for _, name := range c.computedOrder {
			if !c.computed[name].cached {
				c.alwaysDirty = append(c.alwaysDirty, name)
			}
		}
		c.computeHash()
		c.schema = s
	}
	return s, nil
}

// register resolves one raw dependency of cv and records it in the graphs
// that dirty propagation walks.
func (s *Schema) register(c *Class, cv *ComputedVar, d Dep) error {
	fail := func(format string, args ...any) error {
		return &DependencyAnalysisError{Class: c.fullName, Var: cv.name, Reason: fmt.Sprintf(format, args...)}
	}
	target := c
	if d.State != "" {
		target = s.classes[d.State]
		if target == nil {
			return fail("reads unknown state %q", d.State)
		}
	}
	owner := target.declaring(d.Var)
	if owner == nil {
		return fail("reads undeclared var %q of %s", d.Var, target.fullName)
	}
	resolved := Dep{State: owner.fullName, Var: d.Var}
	for _, existing := range cv.deps {
		if existing == resolved {
			return nil
		}
	}
	cv.deps = append(cv.deps, resolved)

	switch {
	case owner == c:
		addTo(c.computedVarDeps, d.Var, cv.name)
	case owner.isAncestorOf(c):
		// The var lives on an ancestor: every node on the path down to c must
		// forward it so that c can dirty its own computed var.
		addTo(c.computedVarDeps, d.Var, cv.name)
		for cur := c; cur != owner; cur = cur.parent {
			addTo(cur.parent.substateVarDeps, d.Var, cur.name)
		}
	default:
		owner.crossStateDeps[d.Var] = append(owner.crossStateDeps[d.Var], Dep{State: c.fullName, Var: cv.name})
	}
	return nil
}

// Root returns the root class.
func (s *Schema) Root() *Class { return s.root }

// Class returns the class with the given dotted full name, or nil.
func (s *Schema) Class(fullName string) *Class { return s.classes[fullName] }

// Classes returns every class, parents before children.
func (s *Schema) Classes() []*Class { return append([]*Class(nil), s.order...) }

// RequiredClasses returns the minimal set of classes that must be materialized
// to modify target: its subtree, every class its computed vars read from or
// that read from it, the ancestor chain of each of those, and the descendants
// of those ancestors whose computed vars read an inherited var.
func (s *Schema) RequiredClasses(target *Class) []*Class {
	set := make(map[*Class]struct{})
	var queue []*Class
	push := func(c *Class) {
		if c == nil {
			return
		}
		if _, ok := set[c]; ok {
			return
		}
		set[c] = struct{}{}
		queue = append(queue, c)
	}
	var subtree func(c *Class)
	subtree = func(c *Class) {
		push(c)
		for _, child := range c.children {
			subtree(child)
		}
	}
	subtree(target)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		push(c.parent)
		for _, name := range c.computedOrder {
			for _, d := range c.computed[name].deps {
				push(s.classes[d.State])
			}
		}
		for _, readers := range c.crossStateDeps {
			for _, d := range readers {
				push(s.classes[d.State])
			}
		}
		for _, children := range c.substateVarDeps {
			for name := range children {
				push(c.childMap[name])
			}
		}
	}
	out := make([]*Class, 0, len(set))
	for _, c := range s.order {
		if _, ok := set[c]; ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return depth(out[i]) < depth(out[j]) })
	return out
}

func depth(c *Class) int {
	d := 0
	for p := c.parent; p != nil; p = p.parent {
		d++
	}
	return d
}
