package executor

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/hanpama/querydag/internal/query"
)

// NodeError reports a requested name that could not be produced.
type NodeError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e NodeError) Error() string { return fmt.Sprintf("%s: %s", e.Name, e.Message) }

func (e NodeError) Unwrap() error { return e.Err }

// Result is the outcome of one execution. Data holds the value of every
// requested name that succeeded.
type Result struct {
	Data   map[string]any `json:"data"`
	Errors []NodeError    `json:"errors,omitempty"`
}

// Err joins the errors of all failed names, or returns nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Unimplemented is the value of a node whose kind has no handler. Node holds
// the node with its children resolved.
type Unimplemented struct {
	Kind query.Kind
	Node query.Node
}

// Wire returns the JSON form of u.
func (u Unimplemented) Wire() map[string]any {
	return map[string]any{
		"issue":              "UNIMPLEMENTED",
		query.DispatchField: string(u.Kind),
		"node":               query.ToWire(u.Node),
	}
}

func (u Unimplemented) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(u.Wire())
}

// stripContext removes the "context" field from every record of v.
func stripContext(v any) (any, error) {
	if !isSequence(v) {
		return nil, fmt.Errorf("%w: got %T", ErrResultShape, v)
	}
	seq, _ := sequence(v)
	out := make([]any, len(seq))
	for i, e := range seq {
		rec, ok := record(e)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T", ErrResultShape, i, e)
		}
		shaped := make(map[string]any, len(rec))
		for k, x := range rec {
			if k != "context" {
				shaped[k] = x
			}
		}
		out[i] = shaped
	}
	return out, nil
}
