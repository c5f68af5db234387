package query

// Param returns a node resolving to the named caller-supplied parameter.
func Param(name string) Parameter { return Parameter{Name: name} }

// Ref returns a reference to another graph entry.
func Ref(name string) Variable { return Variable{Name: name} }

// Caller produces Call nodes for one registered function name. It keeps the
// name so that MapWith can reuse it without looking the function up.
type Caller struct {
	name string
}

// Fn returns a Caller for the function registered under name.
func Fn(name string) Caller { return Caller{name: name} }

// Name is the registered function name.
func (c Caller) Name() string { return c.name }

// Call builds a Call node with positional arguments only.
func (c Caller) Call(args ...any) Call {
	return Call{Function: c.name, Args: args, Kwargs: map[string]any{}}
}

// CallKw builds a Call node with keyword and positional arguments.
func (c Caller) CallKw(kwargs map[string]any, args ...any) Call {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Call{Function: c.name, Args: args, Kwargs: kwargs}
}

// SelectFrom builds a batched store fetch over key/context records. fields
// maps dotted paths inside each stored value to output names and may be nil.
func SelectFrom(keys any, fields map[string]string) Select {
	return Select{Keys: keys, Fields: fields}
}

// JoinOn builds an inner join of left and right on the given dotted paths.
func JoinOn(left, right any, leftOn, rightOn string) Join {
	return Join{Left: left, Right: right, LeftOn: leftOn, RightOn: rightOn}
}

// Zip builds a positional join of left and right.
func Zip(left, right any) Join {
	return Join{Left: left, Right: right}
}

// MapWith applies fn over values. When valuePath is not empty each element's
// nested field is extracted instead of calling fn.
func MapWith(fn Caller, values any, valuePath string) Map {
	return Map{Function: fn.Name(), Values: values, ValuePath: valuePath}
}

// KeysOf builds key/context records for function from the upstream sequence
// found among extra.
func KeysOf(function, valuePath string, extra map[string]any) Keys {
	if extra == nil {
		extra = map[string]any{}
	}
	return Keys{Function: function, ValuePath: valuePath, Extra: extra}
}
