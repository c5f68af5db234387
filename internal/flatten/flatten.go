package flatten

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hanpama/querydag/internal/query"
)

// HoistPrefix starts the name of every hoisted entry, keeping hoisted names
// apart from root names.
const HoistPrefix = "impl"

var (
	// ErrMissingDependency reports a Variable or return name that has no entry
	// in the graph.
	ErrMissingDependency = errors.New("flatten: missing dependency")
	// ErrUnknownRoot reports an ordering entry that is not a root of the tree.
	ErrUnknownRoot = errors.New("flatten: unknown root")
	// ErrNameCollision reports two entries that would be stored under the
	// same name, such as a dotted root name overlapping a hoisted path.
	ErrNameCollision = errors.New("flatten: name collision")
)

// Graph is a flat, name-addressed set of expressions. Each entry's children
// are plain data or Variables referring to other entries; Returns lists the
// entries requested as output.
type Graph struct {
	Nodes   map[string]any
	Returns []string
}

// Flatten compiles tree into a Graph. Every root becomes a return, in
// ascending name order.
func Flatten(tree query.Tree) (*Graph, error) {
	return FlattenOrdered(tree, query.SortedKeys(tree))
}

// FlattenOrdered compiles tree into a Graph whose Returns follow order. Every
// name in order must be a root of tree; roots left out of order are still
// compiled, but are not returned.
//
// Each non-Variable node found in a child position is hoisted: its own
// children are flattened first, then it is stored under the dot-joined path
// from its root ("impl.<root>.<field>..."), and its position is replaced by a
// Variable referring to that name. Plain maps and slices are walked in place.
// The input tree is never modified. Two entries landing on one name fail
// with ErrNameCollision.
func FlattenOrdered(tree query.Tree, order []string) (*Graph, error) {
	f := &flattener{nodes: make(map[string]any, len(tree))}
	for _, name := range query.SortedKeys(tree) {
		f.put(name, f.root(name, tree[name]))
	}
	if f.err != nil {
		return nil, f.err
	}
	g := &Graph{Nodes: f.nodes, Returns: make([]string, 0, len(order))}
	for _, name := range order {
		if _, ok := tree[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRoot, name)
		}
		g.Returns = append(g.Returns, name)
	}
	return g, nil
}

// Reflatten flattens an existing graph again, keeping its returns. For a
// graph produced by Flatten the result equals the input.
func Reflatten(g *Graph) (*Graph, error) {
	f := &flattener{nodes: make(map[string]any, len(g.Nodes))}
	for _, name := range query.SortedKeys(g.Nodes) {
		f.put(name, f.root(name, g.Nodes[name]))
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Graph{Nodes: f.nodes, Returns: append([]string(nil), g.Returns...)}, nil
}

type flattener struct {
	nodes map[string]any
	err   error // first collision
}

func (f *flattener) put(name string, v any) {
	if _, ok := f.nodes[name]; ok {
		if f.err == nil {
			f.err = fmt.Errorf("%w: %q", ErrNameCollision, name)
		}
		return
	}
	f.nodes[name] = v
}

func (f *flattener) root(name string, v any) any {
	prefix := name
	if !strings.HasPrefix(name, HoistPrefix+".") {
		prefix = HoistPrefix + "." + name
	}
	switch v := v.(type) {
	case query.Variable:
		return v
	case query.Node:
		return f.node(v, prefix)
	default:
		return f.walk(v, prefix)
	}
}

func (f *flattener) node(n query.Node, path string) query.Node {
	out, _ := query.Transform(n, func(field string, child any) (any, error) {
		return f.walk(child, path+"."+field), nil
	})
	return out
}

// walk rewrites one child position.
func (f *flattener) walk(v any, path string) any {
	switch v := v.(type) {
	case query.Variable:
		return v
	case query.Node:
		f.put(path, f.node(v, path))
		return query.Variable{Name: path}
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, k := range query.SortedKeys(v) {
			out[k] = f.walk(v[k], path+"."+k)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = f.walk(e, path+"."+strconv.Itoa(i))
		}
		return out
	default:
		return v
	}
}

// Validate checks that every return and every Variable names an entry of g.
func (g *Graph) Validate() error {
	var errs []error
	for _, name := range g.Returns {
		if _, ok := g.Nodes[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: return %q", ErrMissingDependency, name))
		}
	}
	for _, name := range query.SortedKeys(g.Nodes) {
		for _, ref := range query.Refs(g.Nodes[name]) {
			if _, ok := g.Nodes[ref]; !ok {
				errs = append(errs, fmt.Errorf("%w: %q referenced by %q", ErrMissingDependency, ref, name))
			}
		}
	}
	return errors.Join(errs...)
}
