package state

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// Loader materializes classes missing from a partially fetched tree.
type Loader func(ctx context.Context, t *Tree, classes []*Class) error

// Tree is the per-token arena of state nodes. Nodes refer to their parent
// and children by index into the arena, never by owning pointer.
type Tree struct {
	schema *Schema
	token  string
	nodes  []*Node
	byName map[string]int
	gen    uint64
	loader Loader
}

// Node holds the values of one state class for one client token.
type Node struct {
	tree     *Tree
	id       int
	parent   int
	class    *Class
	children map[string]int

	values  map[string]any
	backend map[string]any
	cache   map[string]any
	busy    map[string]bool

	dirtyVars     map[string]struct{}
	dirtyChildren map[string]struct{}
	modified      bool
	loaded        bool
}

// NewTree returns a fully materialized, default-valued tree for token.
func NewTree(schema *Schema, token string) *Tree {
	t := NewPartialTree(schema, token)
	for _, c := range schema.order {
		t.Materialize(c)
	}
	return t
}

// NewPartialTree returns a tree holding only the root node. Further classes
// are added with Materialize or Load.
func NewPartialTree(schema *Schema, token string) *Tree {
	t := &Tree{schema: schema, token: token, byName: make(map[string]int)}
	t.Materialize(schema.root)
	return t
}

// Token returns the client token the tree belongs to.
func (t *Tree) Token() string { return t.token }

// Schema returns the compiled schema of the tree.
func (t *Tree) Schema() *Schema { return t.schema }

// Root returns the root node.
func (t *Tree) Root() *Node { return t.nodes[0] }

// SetLoader installs the function used by Load for absent classes.
func (t *Tree) SetLoader(l Loader) { t.loader = l }

// Has reports whether the class with the given full name is materialized.
func (t *Tree) Has(fullName string) bool {
	_, ok := t.byName[fullName]
	return ok
}

// State returns the materialized node with the given full name, or nil.
func (t *Tree) State(fullName string) *Node {
	i, ok := t.byName[fullName]
	if !ok {
		return nil
	}
	return t.nodes[i]
}

// Nodes returns every materialized node, parents before children.
func (t *Tree) Nodes() []*Node {
	return append([]*Node(nil), t.nodes...)
}

// Materialize adds a default-valued node for c and any missing ancestors.
func (t *Tree) Materialize(c *Class) *Node {
	if n := t.State(c.fullName); n != nil {
		return n
	}
	parent := -1
	if c.parent != nil {
		parent = t.Materialize(c.parent).id
	}
	n := &Node{
		tree:          t,
		id:            len(t.nodes),
		parent:        parent,
		class:         c,
		children:      make(map[string]int),
		values:        make(map[string]any, len(c.baseVars)),
		backend:       make(map[string]any, len(c.backendVars)),
		cache:         make(map[string]any),
		busy:          make(map[string]bool),
		dirtyVars:     make(map[string]struct{}),
		dirtyChildren: make(map[string]struct{}),
	}
	for _, v := range c.baseVars {
		n.values[v] = cloneValue(c.defaults[v])
	}
	for _, v := range c.backendVars {
		n.backend[v] = cloneValue(c.defaults[v])
	}
	t.nodes = append(t.nodes, n)
	t.byName[c.fullName] = n.id
	if parent >= 0 {
		t.nodes[parent].children[c.name] = n.id
	}
	return n
}

// Load returns the node for fullName, fetching it through the tree loader
// when it has not been materialized yet.
func (t *Tree) Load(ctx context.Context, fullName string) (*Node, error) {
	if n := t.State(fullName); n != nil {
		return n, nil
	}
	c := t.schema.Class(fullName)
	if c == nil {
		return nil, fmt.Errorf("%w: state %q", ErrUnknownVar, fullName)
	}
	if t.loader == nil {
		return t.Materialize(c), nil
	}
	var missing []*Class
	for _, rc := range t.schema.RequiredClasses(c) {
		if !t.Has(rc.fullName) {
			missing = append(missing, rc)
		}
	}
	if err := t.loader(ctx, t, missing); err != nil {
		return nil, fmt.Errorf("load %s: %w", fullName, err)
	}
	return t.Materialize(c), nil
}

// Clone returns a detached copy of the materialized nodes. Values are
// copied, caches and dirty markers are not, and the copy has no loader.
func (t *Tree) Clone() *Tree {
	out := &Tree{schema: t.schema, token: t.token, byName: make(map[string]int, len(t.byName)), gen: t.gen}
	for _, n := range t.nodes {
		c := out.Materialize(n.class)
		for k, v := range n.values {
			c.values[k] = cloneValue(v)
		}
		for k, v := range n.backend {
			c.backend[k] = cloneValue(v)
		}
		c.loaded = n.loaded
	}
	return out
}

// Modified returns the nodes changed since they were last persisted.
func (t *Tree) Modified() []*Node {
	var out []*Node
	for _, n := range t.nodes {
		if n.modified {
			out = append(out, n)
		}
	}
	return out
}

// Class returns the class descriptor of the node.
func (n *Node) Class() *Class { return n.class }

// Name returns the class name of the node.
func (n *Node) Name() string { return n.class.name }

// FullName returns the dotted full name of the node's class.
func (n *Node) FullName() string { return n.class.fullName }

// Tree returns the arena the node lives in.
func (n *Node) Tree() *Tree { return n.tree }

// Token returns the client token of the node's tree.
func (n *Node) Token() string { return n.tree.token }

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node {
	if n == nil || n.parent < 0 {
		return nil
	}
	return n.tree.nodes[n.parent]
}

// Substate returns the materialized child with the given class name.
func (n *Node) Substate(name string) *Node {
	if n == nil {
		return nil
	}
	i, ok := n.children[name]
	if !ok {
		return nil
	}
	return n.tree.nodes[i]
}

// Substates returns the materialized children sorted by name.
func (n *Node) Substates() []*Node {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, n.tree.nodes[n.children[name]])
	}
	return out
}

// GetState returns another materialized state of the same tree.
func (n *Node) GetState(fullName string) *Node {
	if n == nil {
		return nil
	}
	return n.tree.State(fullName)
}

// Get returns the value of a base, backend or computed var, looking through
// ancestors for inherited vars. Unknown names yield nil.
func (n *Node) Get(name string) any {
	for cur := n; cur != nil; cur = cur.Parent() {
		if v, ok := cur.own(name); ok {
			return v
		}
	}
	return nil
}

func (n *Node) own(name string) (any, bool) {
	if v, ok := n.values[name]; ok {
		return v, true
	}
	if v, ok := n.backend[name]; ok {
		return v, true
	}
	if cv, ok := n.class.computed[name]; ok {
		return n.evaluate(cv), true
	}
	return nil, false
}

func (n *Node) evaluate(cv *ComputedVar) any {
	if cv.cached {
		if v, ok := n.cache[cv.name]; ok {
			return v
		}
	}
	if n.busy[cv.name] {
		// Self-referencing getter: return the last known value.
		return n.cache[cv.name]
	}
	n.busy[cv.name] = true
	v := cv.getter(n)
	delete(n.busy, cv.name)
	if cv.cached {
		n.cache[cv.name] = v
	}
	return v
}

// Int returns the var as an int, or 0 if it is not numeric.
func (n *Node) Int(name string) int {
	switch v := n.Get(name).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case uint:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return 0
}

// Float returns the var as a float64, or 0 if it is not numeric.
func (n *Node) Float(name string) float64 {
	switch v := n.Get(name).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return 0
}

// String returns the var as a string, or "" if it is not a string.
func (n *Node) String(name string) string {
	s, _ := n.Get(name).(string)
	return s
}

// Bool returns the var as a bool.
func (n *Node) Bool(name string) bool {
	b, _ := n.Get(name).(bool)
	return b
}

// SetVar assigns a base or backend var. Inherited vars are assigned on the
// ancestor that declares them.
func (n *Node) SetVar(name string, value any) error {
	owner := n
	for owner != nil && !owner.class.hasVar(name) {
		owner = owner.Parent()
	}
	if owner == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownVar, n.class.fullName, name)
	}
	if _, ok := owner.class.computed[name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrReadOnlyVar, owner.class.fullName, name)
	}
	owner.set(name, value)
	return nil
}

// MustSetVar is SetVar for callers that declared the var themselves.
func (n *Node) MustSetVar(name string, value any) {
	if err := n.SetVar(name, value); err != nil {
		panic(err)
	}
}

func (n *Node) set(name string, value any) {
	store := n.values
	if n.class.isBackend(name) {
		store = n.backend
	}
	old, had := store[name]
	store[name] = value
	n.modified = true
	changed := !had || !reflect.DeepEqual(old, value)
	if changed {
		n.tree.gen++
		n.invalidate(name, make(map[*Node]map[string]bool))
	}
	if changed || !n.isDirty(name) {
		n.addDirty(name)
		n.MarkDirty()
	}
}

// Dirty reports whether the node has vars or children awaiting extraction.
func (n *Node) Dirty() bool {
	return len(n.dirtyVars) > 0 || len(n.dirtyChildren) > 0
}

// DirtyVars returns the names of the vars awaiting extraction.
func (n *Node) DirtyVars() []string { return sortedKeys(n.dirtyVars) }

// DirtyChildren returns the names of children awaiting extraction.
func (n *Node) DirtyChildren() []string { return sortedKeys(n.dirtyChildren) }

// Modified reports whether the node changed since it was last persisted.
func (n *Node) Modified() bool { return n.modified }

// MarkPersisted clears the modified marker after the node was written.
func (n *Node) MarkPersisted() { n.modified = false }

// Loaded reports whether the node was populated from persisted bytes.
func (n *Node) Loaded() bool { return n.loaded }

// cloneValue copies maps and slices so defaults are never shared between nodes.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface()
	}
	return v
}
