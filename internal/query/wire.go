package query

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrMalformed reports a wire object whose fields do not match its dispatch
// tag.
var ErrMalformed = errors.New("query: malformed node")

// Marshal encodes an expression (a Tree, a Node, or plain data containing
// nodes) to its JSON wire form.
func Marshal(v any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(ToWire(v))
}

// Unmarshal decodes JSON wire data, turning every object that carries the
// dispatch field into a Node.
func Unmarshal(data []byte) (any, error) {
	var raw any
	if err := sonic.ConfigStd.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return FromWire(raw)
}

// UnmarshalTree decodes a JSON object of root name to expression.
func UnmarshalTree(data []byte) (Tree, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return AsTree(v)
}

// AsTree converts decoded wire data into a Tree. The value must be a plain
// object, not a node.
func AsTree(v any) (Tree, error) {
	switch v := v.(type) {
	case Tree:
		return v, nil
	case map[string]any:
		return Tree(v), nil
	default:
		return nil, fmt.Errorf("%w: query root must be an object of named expressions, got %T", ErrMalformed, v)
	}
}

// ToWire converts nodes within v to their map form, leaving other data as is.
func ToWire(v any) any {
	switch v := v.(type) {
	case Tree:
		return wireMap(v)
	case map[string]any:
		return wireMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = ToWire(e)
		}
		return out
	case Parameter:
		return map[string]any{DispatchField: string(KindParameter), "parameter_name": v.Name}
	case Variable:
		return map[string]any{DispatchField: string(KindVariable), "variable_name": v.Name}
	case Call:
		args := make([]any, len(v.Args))
		for i, a := range v.Args {
			args[i] = ToWire(a)
		}
		kwargs := wireMap(v.Kwargs)
		if kwargs == nil {
			kwargs = map[string]any{}
		}
		return map[string]any{
			DispatchField:   string(KindCall),
			"function_name": v.Function,
			"args":          args,
			"kwargs":        kwargs,
		}
	case Select:
		var fields any
		if v.Fields != nil {
			m := make(map[string]any, len(v.Fields))
			for k, f := range v.Fields {
				m[k] = f
			}
			fields = m
		}
		return map[string]any{DispatchField: string(KindSelect), "keys": ToWire(v.Keys), "fields": fields}
	case Join:
		return map[string]any{
			DispatchField: string(KindJoin),
			"left":        ToWire(v.Left),
			"right":       ToWire(v.Right),
			"left_on":     optional(v.LeftOn),
			"right_on":    optional(v.RightOn),
		}
	case Map:
		return map[string]any{
			DispatchField: string(KindMap),
			"function":    v.Function,
			"values":      ToWire(v.Values),
			"value_path":  optional(v.ValuePath),
		}
	case Keys:
		out := wireMap(v.Extra)
		if out == nil {
			out = map[string]any{}
		}
		out[DispatchField] = string(KindKeys)
		out["function"] = v.Function
		out["value_path"] = optional(v.ValuePath)
		return out
	case Unknown:
		out := wireMap(v.Fields)
		if out == nil {
			out = map[string]any{}
		}
		out[DispatchField] = v.Tag
		return out
	default:
		return v
	}
}

func wireMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = ToWire(e)
	}
	return out
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FromWire converts decoded JSON (or YAML) data into expressions. Objects
// carrying the dispatch field become nodes; objects without it stay plain
// maps whose values are converted recursively.
func FromWire(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		if _, ok := v[DispatchField]; ok {
			return nodeFromWire(v)
		}
		return plainFromWire(v, "")
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			c, err := FromWire(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func plainFromWire(m map[string]any, skip string) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for _, k := range SortedKeys(m) {
		if k == skip {
			continue
		}
		c, err := FromWire(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = c
	}
	return out, nil
}

func nodeFromWire(m map[string]any) (Node, error) {
	tag, ok := m[DispatchField].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a string", ErrMalformed, DispatchField)
	}
	switch Kind(tag) {
	case KindParameter:
		name, err := requiredString(m, "parameter_name")
		if err != nil {
			return nil, err
		}
		return Parameter{Name: name}, nil
	case KindVariable:
		name, err := requiredString(m, "variable_name")
		if err != nil {
			return nil, err
		}
		return Variable{Name: name}, nil
	case KindCall:
		name, err := requiredString(m, "function_name")
		if err != nil {
			return nil, err
		}
		out := Call{Function: name, Kwargs: map[string]any{}}
		switch args := m["args"].(type) {
		case nil:
		case []any:
			if len(args) == 0 {
				break
			}
			conv, err := FromWire(args)
			if err != nil {
				return nil, fmt.Errorf("args: %w", err)
			}
			out.Args = conv.([]any)
		default:
			return nil, fmt.Errorf("%w: call args must be a list, got %T", ErrMalformed, args)
		}
		switch kwargs := m["kwargs"].(type) {
		case nil:
		case map[string]any:
			conv, err := plainFromWire(kwargs, "")
			if err != nil {
				return nil, fmt.Errorf("kwargs: %w", err)
			}
			out.Kwargs = conv
		default:
			return nil, fmt.Errorf("%w: call kwargs must be an object, got %T", ErrMalformed, kwargs)
		}
		return out, nil
	case KindSelect:
		keys, err := FromWire(m["keys"])
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		out := Select{Keys: keys}
		switch fields := m["fields"].(type) {
		case nil:
		case map[string]any:
			out.Fields = make(map[string]string, len(fields))
			for path, name := range fields {
				s, ok := name.(string)
				if !ok {
					return nil, fmt.Errorf("%w: select field %q must name a string output", ErrMalformed, path)
				}
				out.Fields[path] = s
			}
		default:
			return nil, fmt.Errorf("%w: select fields must be an object, got %T", ErrMalformed, fields)
		}
		return out, nil
	case KindJoin:
		left, err := FromWire(m["left"])
		if err != nil {
			return nil, fmt.Errorf("left: %w", err)
		}
		right, err := FromWire(m["right"])
		if err != nil {
			return nil, fmt.Errorf("right: %w", err)
		}
		leftOn, err := optionalString(m, "left_on")
		if err != nil {
			return nil, err
		}
		rightOn, err := optionalString(m, "right_on")
		if err != nil {
			return nil, err
		}
		return Join{Left: left, Right: right, LeftOn: leftOn, RightOn: rightOn}, nil
	case KindMap:
		fn, err := requiredString(m, "function")
		if err != nil {
			return nil, err
		}
		values, err := FromWire(m["values"])
		if err != nil {
			return nil, fmt.Errorf("values: %w", err)
		}
		path, err := optionalString(m, "value_path")
		if err != nil {
			return nil, err
		}
		return Map{Function: fn, Values: values, ValuePath: path}, nil
	case KindKeys:
		fn, err := requiredString(m, "function")
		if err != nil {
			return nil, err
		}
		path, err := optionalString(m, "value_path")
		if err != nil {
			return nil, err
		}
		extra := make(map[string]any, len(m))
		for _, k := range SortedKeys(m) {
			if k == DispatchField || k == "function" || k == "value_path" {
				continue
			}
			c, err := FromWire(m[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			extra[k] = c
		}
		return Keys{Function: fn, ValuePath: path, Extra: extra}, nil
	default:
		fields, err := plainFromWire(m, DispatchField)
		if err != nil {
			return nil, err
		}
		return Unknown{Tag: tag, Fields: fields}, nil
	}
}

func requiredString(m map[string]any, field string) (string, error) {
	s, ok := m[field].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s %s is required", ErrMalformed, m[DispatchField], field)
	}
	return s, nil
}

func optionalString(m map[string]any, field string) (string, error) {
	switch v := m[field].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s %s must be a string", ErrMalformed, m[DispatchField], field)
	}
}
