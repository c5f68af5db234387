package query

import (
	"sort"
	"strconv"
)

// Kind is the dispatch tag identifying a node variant.
type Kind string

const (
	KindParameter Kind = "parameter"
	KindVariable  Kind = "variable"
	KindCall      Kind = "call"
	KindSelect    Kind = "select"
	KindJoin      Kind = "join"
	KindMap       Kind = "map"
	KindKeys      Kind = "keys"
)

// DispatchField is the reserved wire field that marks an object as a node.
const DispatchField = "dispatch"

// Kinds lists every dispatch tag understood by the expression language.
var Kinds = []Kind{KindParameter, KindVariable, KindCall, KindSelect, KindJoin, KindMap, KindKeys}

// Node is one tagged unit of the expression language. Children of a node are
// either other nodes, plain map[string]any / []any data, or scalar literals.
type Node interface {
	Kind() Kind
}

// Tree maps root names to expressions. It is the authoring form of a query
// before flattening.
type Tree map[string]any

// Parameter resolves to a caller-supplied value.
type Parameter struct {
	Name string
}

// Variable references another entry of the same graph by name.
type Variable struct {
	Name string
}

// Call invokes a registered function.
type Call struct {
	Function string
	Args     []any
	Kwargs   map[string]any
}

// Join merges two sequences of mappings. With both LeftOn and RightOn empty
// the sequences are zipped positionally.
type Join struct {
	Left    any
	Right   any
	LeftOn  string
	RightOn string
}

// Map applies Function to every element of Values, or extracts ValuePath
// from each element when it is set.
type Map struct {
	Function  string
	Values    any
	ValuePath string
}

// Select fetches one store value per key/context record. Fields maps a dotted
// path inside the stored value to the output field name.
type Select struct {
	Keys   any
	Fields map[string]string
}

// Keys derives key/context records from an upstream sequence carried in
// Extra.
type Keys struct {
	Function  string
	ValuePath string
	Extra     map[string]any
}

// Unknown holds a wire object whose dispatch tag is not part of the
// language. The executor evaluates it to an unimplemented marker.
type Unknown struct {
	Tag    string
	Fields map[string]any
}

func (Parameter) Kind() Kind { return KindParameter }
func (Variable) Kind() Kind  { return KindVariable }
func (Call) Kind() Kind      { return KindCall }
func (Join) Kind() Kind      { return KindJoin }
func (Map) Kind() Kind       { return KindMap }
func (Select) Kind() Kind    { return KindSelect }
func (Keys) Kind() Kind      { return KindKeys }
func (u Unknown) Kind() Kind { return Kind(u.Tag) }

// Transform returns a copy of n whose child slots have been replaced by f.
// The field argument names the slot as a dot-separated path relative to n
// ("left", "args.0", "kwargs.course"). f is called in a deterministic order.
// Parameter and Variable have no children and are returned unchanged.
func Transform(n Node, f func(field string, child any) (any, error)) (Node, error) {
	switch n := n.(type) {
	case Parameter, Variable:
		return n, nil
	case Call:
		out := Call{Function: n.Function}
		if n.Args != nil {
			out.Args = make([]any, len(n.Args))
			for i, a := range n.Args {
				v, err := f("args."+strconv.Itoa(i), a)
				if err != nil {
					return nil, err
				}
				out.Args[i] = v
			}
		}
		kw, err := transformMap(n.Kwargs, "kwargs.", f)
		if err != nil {
			return nil, err
		}
		out.Kwargs = kw
		return out, nil
	case Join:
		left, err := f("left", n.Left)
		if err != nil {
			return nil, err
		}
		right, err := f("right", n.Right)
		if err != nil {
			return nil, err
		}
		return Join{Left: left, Right: right, LeftOn: n.LeftOn, RightOn: n.RightOn}, nil
	case Map:
		values, err := f("values", n.Values)
		if err != nil {
			return nil, err
		}
		return Map{Function: n.Function, Values: values, ValuePath: n.ValuePath}, nil
	case Select:
		keys, err := f("keys", n.Keys)
		if err != nil {
			return nil, err
		}
		return Select{Keys: keys, Fields: n.Fields}, nil
	case Keys:
		extra, err := transformMap(n.Extra, "", f)
		if err != nil {
			return nil, err
		}
		return Keys{Function: n.Function, ValuePath: n.ValuePath, Extra: extra}, nil
	case Unknown:
		fields, err := transformMap(n.Fields, "", f)
		if err != nil {
			return nil, err
		}
		return Unknown{Tag: n.Tag, Fields: fields}, nil
	default:
		return n, nil
	}
}

func transformMap(m map[string]any, prefix string, f func(string, any) (any, error)) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for _, k := range SortedKeys(m) {
		v, err := f(prefix+k, m[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Refs returns the names of every Variable reachable from v, in walk order.
// Duplicates are kept.
func Refs(v any) []string {
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch v := v.(type) {
		case Variable:
			out = append(out, v.Name)
		case Node:
			_, _ = Transform(v, func(_ string, child any) (any, error) {
				walk(child)
				return child, nil
			})
		case map[string]any:
			for _, k := range SortedKeys(v) {
				walk(v[k])
			}
		case []any:
			for _, e := range v {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
