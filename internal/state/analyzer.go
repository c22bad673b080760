package state

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
)

var errSourceUnavailable = errors.New("getter source unavailable")

// Node methods that read a var whose name is the first argument.
var readAccessors = map[string]bool{
	"Get":    true,
	"Int":    true,
	"Float":  true,
	"String": true,
	"Bool":   true,
}

// Node methods that navigate outside the tracked graph.
var reservedNavigation = map[string]bool{
	"Parent":    true,
	"Substates": true,
	"Substate":  true,
	"Tree":      true,
}

// sourceCache holds parsed files for one schema compilation.
type sourceCache struct {
	fset  *token.FileSet
	files map[string]*ast.File
	dirs  map[string][]*ast.File
}

func newSourceCache() *sourceCache {
	return &sourceCache{
		fset:  token.NewFileSet(),
		files: make(map[string]*ast.File),
		dirs:  make(map[string][]*ast.File),
	}
}

func (sc *sourceCache) file(path string) (*ast.File, error) {
	if f, ok := sc.files[path]; ok {
		return f, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errSourceUnavailable
	}
	f, err := parser.ParseFile(sc.fset, path, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, errSourceUnavailable
	}
	sc.files[path] = f
	return f, nil
}

// packageFiles returns every Go file in the directory of path.
func (sc *sourceCache) packageFiles(path string) []*ast.File {
	dir := filepath.Dir(path)
	if files, ok := sc.dirs[dir]; ok {
		return files
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.go"))
	var files []*ast.File
	for _, m := range matches {
		if f, err := sc.file(m); err == nil {
			files = append(files, f)
		}
	}
	sc.dirs[dir] = files
	return files
}

// locate finds the syntax of a function value through its runtime symbol.
func (sc *sourceCache) locate(fn any) (*ast.FuncType, *ast.BlockStmt, string, error) {
	pc := reflect.ValueOf(fn).Pointer()
	rf := runtime.FuncForPC(pc)
	if rf == nil {
		return nil, nil, "", errSourceUnavailable
	}
	path, line := rf.FileLine(rf.Entry())
	f, err := sc.file(path)
	if err != nil {
		return nil, nil, "", err
	}
	symbol := rf.Name()
	if i := strings.LastIndex(symbol, "/"); i >= 0 {
		symbol = symbol[i+1:]
	}
	parts := strings.Split(symbol, ".")
	if len(parts) < 2 || strings.Contains(symbol, "(") {
		return nil, nil, "", errSourceUnavailable
	}

	if len(parts) == 2 {
		for _, decl := range f.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if ok && fd.Recv == nil && fd.Name.Name == parts[1] && fd.Body != nil {
				return fd.Type, fd.Body, path, nil
			}
		}
		return nil, nil, "", errSourceUnavailable
	}

	// Closures are matched by line; nesting depth breaks ties between
	// literals that start on the same line.
	want := 0
	for _, p := range parts[2:] {
		if p != "" {
			want++
		}
	}
	type candidate struct {
		lit   *ast.FuncLit
		depth int
	}
	var found []candidate
	var stack []ast.Node
	ast.Inspect(f, func(n ast.Node) bool {
		if n == nil {
			stack = stack[:len(stack)-1]
			return true
		}
		if lit, ok := n.(*ast.FuncLit); ok && sc.fset.Position(lit.Pos()).Line == line {
			d := 1
			for _, outer := range stack {
				if _, ok := outer.(*ast.FuncLit); ok {
					d++
				}
			}
			found = append(found, candidate{lit: lit, depth: d})
		}
		stack = append(stack, n)
		return true
	})
	if len(found) > 1 {
		var same []candidate
		for _, c := range found {
			if c.depth == want {
				same = append(same, c)
			}
		}
		found = same
	}
	if len(found) != 1 {
		return nil, nil, "", errSourceUnavailable
	}
	return found[0].lit.Type, found[0].lit.Body, path, nil
}

// inferDependencies walks the getter of cv and returns the vars it reads.
// State is empty for vars read from the receiver itself.
func inferDependencies(c *Class, cv *ComputedVar, sc *sourceCache) ([]Dep, error) {
	ftype, body, path, err := sc.locate(cv.getter)
	if err != nil {
		return nil, err
	}
	a := &analyzer{
		class:   c,
		cv:      cv,
		src:     sc,
		path:    path,
		visited: make(map[helperKey]bool),
		seen:    make(map[Dep]bool),
	}
	a.walkFunc(ftype, body, 0, "")
	if a.err != nil {
		return nil, a.err
	}
	return a.deps, nil
}

type helperKey struct {
	fn    ast.Node
	arg   int
	state string
}

type analyzer struct {
	class   *Class
	cv      *ComputedVar
	src     *sourceCache
	path    string
	visited map[helperKey]bool
	seen    map[Dep]bool
	deps    []Dep
	err     error
}

// scope tracks identifiers bound to the receiver, to a fetched state or to
// a local function literal.
type scope struct {
	recv   map[string]bool
	others map[string]string
	funcs  map[string]*ast.FuncLit
}

func (a *analyzer) fail(format string, args ...any) {
	if a.err == nil {
		a.err = &DependencyAnalysisError{
			Class:  a.class.fullName,
			Var:    a.cv.name,
			Reason: fmt.Sprintf(format, args...),
		}
	}
}

func (a *analyzer) add(state, name string) {
	d := Dep{State: state, Var: name}
	if !a.seen[d] {
		a.seen[d] = true
		a.deps = append(a.deps, d)
	}
}

// walkFunc analyses a function body whose argIndex-th parameter is either
// the receiver (state == "") or a state fetched by full name.
func (a *analyzer) walkFunc(ftype *ast.FuncType, body *ast.BlockStmt, argIndex int, state string) {
	name := paramName(ftype, argIndex)
	if name == "" || name == "_" || body == nil {
		return
	}
	sc := &scope{recv: make(map[string]bool), others: make(map[string]string), funcs: make(map[string]*ast.FuncLit)}
	if state == "" {
		sc.recv[name] = true
	} else {
		sc.others[name] = state
	}

	ast.Inspect(body, func(n ast.Node) bool {
		if a.err != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.AssignStmt:
			for i, rhs := range x.Rhs {
				if i < len(x.Lhs) {
					a.bind(sc, x.Lhs[i], rhs)
				}
			}
		case *ast.ValueSpec:
			for i, v := range x.Values {
				if i < len(x.Names) {
					a.bind(sc, x.Names[i], v)
				}
			}
		case *ast.CallExpr:
			a.visitCall(sc, x)
		}
		return true
	})
}

func (a *analyzer) bind(sc *scope, lhs ast.Expr, rhs ast.Expr) {
	id, ok := lhs.(*ast.Ident)
	if !ok || id.Name == "_" {
		return
	}
	switch x := rhs.(type) {
	case *ast.Ident:
		if sc.recv[x.Name] {
			sc.recv[id.Name] = true
		} else if st, ok := sc.others[x.Name]; ok {
			sc.others[id.Name] = st
		} else if lit, ok := sc.funcs[x.Name]; ok {
			sc.funcs[id.Name] = lit
		}
	case *ast.CallExpr:
		if st, isFetch := a.fetchedState(sc, x); isFetch && st != "" {
			sc.others[id.Name] = st
		}
	case *ast.FuncLit:
		sc.funcs[id.Name] = x
	}
}

// tracked reports whether expr is the receiver or a fetched state, and which.
func (a *analyzer) tracked(sc *scope, expr ast.Expr) (string, bool) {
	switch x := expr.(type) {
	case *ast.Ident:
		if sc.recv[x.Name] {
			return "", true
		}
		if st, ok := sc.others[x.Name]; ok {
			return st, true
		}
	case *ast.CallExpr:
		if st, isFetch := a.fetchedState(sc, x); isFetch && st != "" {
			return st, true
		}
	case *ast.ParenExpr:
		return a.tracked(sc, x.X)
	}
	return "", false
}

// fetchedState recognises recv.GetState("Full.Name").
func (a *analyzer) fetchedState(sc *scope, call *ast.CallExpr) (string, bool) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "GetState" {
		return "", false
	}
	base, ok := sel.X.(*ast.Ident)
	if !ok || (!sc.recv[base.Name] && sc.others[base.Name] == "") {
		return "", false
	}
	name, ok := stringArg(call)
	if !ok {
		a.fail("fetches a state whose class cannot be resolved statically")
		return "", true
	}
	return name, true
}

func (a *analyzer) visitCall(sc *scope, call *ast.CallExpr) {
	switch fun := call.Fun.(type) {
	case *ast.SelectorExpr:
		if st, ok := a.tracked(sc, fun.X); ok {
			a.method(call, fun.Sel.Name, st)
			return
		}
		// Methods of other values and functions of other packages.
		a.escapes(sc, call, exprName(fun))
	case *ast.Ident:
		for i, arg := range call.Args {
			st, ok := a.tracked(sc, arg)
			if !ok {
				continue
			}
			if lit, local := sc.funcs[fun.Name]; local {
				a.literal(lit, i, st)
			} else {
				a.helper(fun.Name, i, st)
			}
		}
	case *ast.FuncLit:
		for i, arg := range call.Args {
			if st, ok := a.tracked(sc, arg); ok {
				a.literal(fun, i, st)
			}
		}
	default:
		a.escapes(sc, call, "a function value")
	}
}

// escapes fails when a tracked state is handed to a call whose body the
// analyzer cannot walk.
func (a *analyzer) escapes(sc *scope, call *ast.CallExpr, callee string) {
	for _, arg := range call.Args {
		if _, ok := a.tracked(sc, arg); ok {
			a.fail("passes state to %s, whose source cannot be inspected", callee)
			return
		}
	}
}

func exprName(sel *ast.SelectorExpr) string {
	if id, ok := sel.X.(*ast.Ident); ok {
		return id.Name + "." + sel.Sel.Name
	}
	return sel.Sel.Name
}

// literal follows a function literal that receives a tracked state.
func (a *analyzer) literal(lit *ast.FuncLit, arg int, state string) {
	key := helperKey{fn: lit, arg: arg, state: state}
	if a.visited[key] {
		return
	}
	a.visited[key] = true
	a.walkFunc(lit.Type, lit.Body, arg, state)
}

func (a *analyzer) method(call *ast.CallExpr, name, state string) {
	switch {
	case readAccessors[name]:
		v, ok := stringArg(call)
		if !ok {
			a.fail("var name passed to %s is selected dynamically", name)
			return
		}
		a.add(state, v)
	case reservedNavigation[name]:
		a.fail("uses reserved navigation %s, which escapes the tracked graph", name)
	case name == "GetState":
		if _, ok := stringArg(call); !ok {
			a.fail("fetches a state whose class cannot be resolved statically")
		}
	}
}

// helper follows a package-level function that receives a tracked state.
func (a *analyzer) helper(name string, arg int, state string) {
	var decl *ast.FuncDecl
	for _, f := range a.src.packageFiles(a.path) {
		for _, d := range f.Decls {
			if fd, ok := d.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == name {
				decl = fd
				break
			}
		}
		if decl != nil {
			break
		}
	}
	if decl == nil {
		// Builtins (len, append, ...) and conversions land here.
		if isBuiltin(name) {
			return
		}
		a.fail("passes state to %s, whose source cannot be inspected", name)
		return
	}
	key := helperKey{fn: decl, arg: arg, state: state}
	if a.visited[key] {
		return
	}
	a.visited[key] = true
	a.walkFunc(decl.Type, decl.Body, arg, state)
}

func paramName(ftype *ast.FuncType, index int) string {
	if ftype == nil || ftype.Params == nil {
		return ""
	}
	i := 0
	for _, field := range ftype.Params.List {
		if len(field.Names) == 0 {
			if i == index {
				return ""
			}
			i++
			continue
		}
		for _, n := range field.Names {
			if i == index {
				return n.Name
			}
			i++
		}
	}
	return ""
}

func stringArg(call *ast.CallExpr) (string, bool) {
	if len(call.Args) == 0 {
		return "", false
	}
	lit, ok := call.Args[0].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	s, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", false
	}
	return s, true
}

func isBuiltin(name string) bool {
	switch name {
	case "len", "cap", "append", "print", "println", "panic", "new", "make",
		"min", "max", "any", "string", "int", "float64", "bool":
		return true
	}
	return false
}
