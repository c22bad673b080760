package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Getter computes the value of a computed var from the node that owns it.
type Getter func(s *Node) any

// Dep names a var on a state class by its dotted full name.
type Dep struct {
	State string `json:"state"`
	Var   string `json:"var"`
}

func (d Dep) String() string {
	return d.State + "." + d.Var
}

// ComputedVar is a derived value evaluated from other vars.
type ComputedVar struct {
	name     string
	getter   Getter
	cached   bool
	declared []Dep
	explicit bool
	deps     []Dep
}

// Name returns the var name.
func (cv *ComputedVar) Name() string { return cv.name }

// Cached reports whether the value is memoised until a dependency changes.
func (cv *ComputedVar) Cached() bool { return cv.cached }

// Dependencies returns the resolved (state, var) pairs read by the getter.
func (cv *ComputedVar) Dependencies() []Dep {
	return append([]Dep(nil), cv.deps...)
}

// ComputedOption customises a computed var declaration.
type ComputedOption func(*ComputedVar)

// Uncached marks the computed var for re-evaluation on every delta.
func Uncached() ComputedOption {
	return func(cv *ComputedVar) { cv.cached = false }
}

// DependsOn declares the own or inherited vars the getter reads and disables
// inference for it.
func DependsOn(vars ...string) ComputedOption {
	return func(cv *ComputedVar) {
		cv.explicit = true
		for _, v := range vars {
			cv.declared = append(cv.declared, Dep{Var: v})
		}
	}
}

// DependsOnState declares vars read from another state class and disables
// inference for the getter.
func DependsOnState(fullName string, vars ...string) ComputedOption {
	return func(cv *ComputedVar) {
		cv.explicit = true
		for _, v := range vars {
			cv.declared = append(cv.declared, Dep{State: fullName, Var: v})
		}
	}
}

// Option declares a member of a state class.
type Option func(*Class)

// Var declares a base var sent to the client.
func Var(name string, def any) Option {
	return func(c *Class) {
		if c.declare(name) {
			c.baseVars = append(c.baseVars, name)
			c.defaults[name] = def
		}
	}
}

// Backend declares a var that is persisted but never sent to the client.
func Backend(name string, def any) Option {
	return func(c *Class) {
		if c.declare(name) {
			c.backendVars = append(c.backendVars, name)
			c.defaults[name] = def
		}
	}
}

// Computed declares a var derived by getter. Computed vars are cached by default.
func Computed(name string, getter Getter, opts ...ComputedOption) Option {
	return func(c *Class) {
		if getter == nil {
			c.fail(fmt.Errorf("computed var %q has no getter", name))
			return
		}
		if !c.declare(name) {
			return
		}
		cv := &ComputedVar{name: name, getter: getter, cached: true}
		for _, opt := range opts {
			opt(cv)
		}
		c.computed[name] = cv
		c.computedOrder = append(c.computedOrder, name)
	}
}

// Class describes one state type: its vars, computed vars and children. A
// class becomes immutable once compiled into a Schema.
type Class struct {
	name     string
	fullName string
	parent   *Class
	children []*Class
	childMap map[string]*Class

	baseVars      []string
	backendVars   []string
	defaults      map[string]any
	computed      map[string]*ComputedVar
	computedOrder []string
	declared      map[string]struct{}

	// var -> computed vars of this class that read it (own or inherited var)
	computedVarDeps map[string]map[string]struct{}
	// var declared here or inherited -> child names with computed vars reading it
	substateVarDeps map[string]map[string]struct{}
	// var declared here -> computed vars on other classes that fetch this state
	crossStateDeps map[string][]Dep

	alwaysDirty []string
	hash        string
	schema      *Schema
	err         error
}

// NewClass declares a root state class.
func NewClass(name string, opts ...Option) *Class {
	c := newClass(name, nil)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newClass(name string, parent *Class) *Class {
	c := &Class{
		name:            name,
		fullName:        name,
		parent:          parent,
		childMap:        make(map[string]*Class),
		defaults:        make(map[string]any),
		computed:        make(map[string]*ComputedVar),
		declared:        make(map[string]struct{}),
		computedVarDeps: make(map[string]map[string]struct{}),
		substateVarDeps: make(map[string]map[string]struct{}),
		crossStateDeps:  make(map[string][]Dep),
	}
	if parent != nil {
		c.fullName = parent.fullName + "." + name
	}
	if name == "" || strings.Contains(name, ".") {
		c.fail(fmt.Errorf("invalid state class name %q", name))
	}
	return c
}

// AddChild declares a substate of c and returns it.
func (c *Class) AddChild(name string, opts ...Option) *Class {
	child := newClass(name, c)
	if c.schema != nil {
		c.fail(fmt.Errorf("cannot add %q: class %s is already compiled", name, c.fullName))
		return child
	}
	if _, dup := c.childMap[name]; dup {
		c.fail(fmt.Errorf("duplicate substate %q in %s", name, c.fullName))
		return child
	}
	c.children = append(c.children, child)
	c.childMap[name] = child
	for _, opt := range opts {
		opt(child)
	}
	return child
}

func (c *Class) declare(name string) bool {
	if name == "" {
		c.fail(fmt.Errorf("empty var name in %s", c.fullName))
		return false
	}
	if _, dup := c.declared[name]; dup {
		c.fail(fmt.Errorf("var %q declared twice in %s", name, c.fullName))
		return false
	}
	if _, clash := c.childMap[name]; clash {
		c.fail(fmt.Errorf("var %q clashes with substate in %s", name, c.fullName))
		return false
	}
	c.declared[name] = struct{}{}
	return true
}

func (c *Class) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// FullName returns the dotted ancestor chain, e.g. "Root.Child".
func (c *Class) FullName() string { return c.fullName }

// Parent returns the parent class or nil for the root.
func (c *Class) Parent() *Class { return c.parent }

// Children returns the substate classes in declaration order.
func (c *Class) Children() []*Class { return append([]*Class(nil), c.children...) }

// Child returns the substate class with the given name.
func (c *Class) Child(name string) *Class { return c.childMap[name] }

// BaseVars returns the names of the base vars in declaration order.
func (c *Class) BaseVars() []string { return append([]string(nil), c.baseVars...) }

// BackendVars returns the names of the backend-only vars.
func (c *Class) BackendVars() []string { return append([]string(nil), c.backendVars...) }

// ComputedVar returns the computed var declaration with the given name.
func (c *Class) ComputedVar(name string) *ComputedVar { return c.computed[name] }

// ComputedVars returns the computed var names in declaration order.
func (c *Class) ComputedVars() []string { return append([]string(nil), c.computedOrder...) }

// Default returns the declared default of a base or backend var.
func (c *Class) Default(name string) any { return cloneValue(c.defaults[name]) }

// SchemaHash identifies the persisted shape of the class.
func (c *Class) SchemaHash() string { return c.hash }

// ComputedVarDeps returns the computed vars of c that read var.
func (c *Class) ComputedVarDeps(v string) []string { return sortedKeys(c.computedVarDeps[v]) }

// SubstateVarDeps returns the child names whose computed vars read var.
func (c *Class) SubstateVarDeps(v string) []string { return sortedKeys(c.substateVarDeps[v]) }

func (c *Class) isBase(name string) bool {
	_, ok := c.defaults[name]
	return ok && !c.isBackend(name)
}

func (c *Class) isBackend(name string) bool {
	for _, b := range c.backendVars {
		if b == name {
			return true
		}
	}
	return false
}

func (c *Class) hasVar(name string) bool {
	_, ok := c.declared[name]
	return ok
}

// declaring returns c or the nearest ancestor declaring name.
func (c *Class) declaring(name string) *Class {
	for cur := c; cur != nil; cur = cur.parent {
		if cur.hasVar(name) {
			return cur
		}
	}
	return nil
}

func (c *Class) isAncestorOf(other *Class) bool {
	for cur := other.parent; cur != nil; cur = cur.parent {
		if cur == c {
			return true
		}
	}
	return false
}

func (c *Class) tracks(name string) bool {
	return c.hasVar(name) || len(c.computedVarDeps[name]) > 0 ||
		len(c.substateVarDeps[name]) > 0 || len(c.crossStateDeps[name]) > 0
}

func (c *Class) computeHash() {
	h := sha256.New()
	fmt.Fprintf(h, "class:%s\n", c.fullName)
	for _, group := range [][]string{c.baseVars, c.backendVars} {
		names := append([]string(nil), group...)
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(h, "%s:%s\n", n, typeName(c.defaults[n]))
		}
		fmt.Fprintln(h, "--")
	}
	c.hash = hex.EncodeToString(h.Sum(nil))[:16]
}

func typeName(v any) string {
	if v == nil {
		return "any"
	}
	return reflect.TypeOf(v).String()
}

func addTo(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
