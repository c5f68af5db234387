// Package query defines the expression language used to describe queries as
// nested computations, and its JSON wire format.
//
// # Nodes
//
// Every expression is built from seven node kinds:
//
//   - Parameter: a caller-supplied value, looked up by name.
//   - Variable: a reference to another named entry of the same graph.
//   - Call: invoke a registered function with positional and keyword args.
//   - Join: merge two sequences of mappings on dotted-path keys, or zip them.
//   - Map: apply a function (or a dotted-path extraction) across a sequence.
//   - Select: fetch one key-value store entry per key/context record.
//   - Keys: derive key/context records from an upstream sequence.
//
// A node's children may be other nodes, plain map[string]any and []any
// values, or scalars. The builders in this package (Param, Ref, Fn, JoinOn,
// Zip, MapWith, SelectFrom, KeysOf) return plain struct values with no
// dependency on the engine, so expressions can be compared, serialised, and
// authored by other front ends.
//
// # Wire format
//
// On the wire a node is a JSON object carrying the reserved "dispatch" field
// set to the node kind, plus the kind's fields:
//
//	{"dispatch": "parameter", "parameter_name": "course_id"}
//	{"dispatch": "variable",  "variable_name": "students"}
//	{"dispatch": "call",      "function_name": "roster", "args": [], "kwargs": {}}
//	{"dispatch": "select",    "keys": ..., "fields": {"path.in.value": "output"}}
//	{"dispatch": "join",      "left": ..., "right": ..., "left_on": "id", "right_on": "id"}
//	{"dispatch": "map",       "function": "double", "values": ..., "value_path": null}
//	{"dispatch": "keys",      "function": "doc_text", "value_path": "student", "STUDENT": ...}
//
// Objects without the dispatch field are plain data and may themselves hold
// nodes. A dispatch tag outside the list above decodes to Unknown.
package query
