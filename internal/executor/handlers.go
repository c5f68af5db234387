package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/querydag/internal/kvs"
	"github.com/hanpama/querydag/internal/query"
	"github.com/hanpama/querydag/internal/registry"
)

func as[T query.Node](n query.Node) (T, error) {
	v, ok := n.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: handler for %T received %T", ErrBadInput, zero, n)
	}
	return v, nil
}

func lookupFunction(env *Env, name string) (registry.Function, error) {
	if env.Functions == nil {
		return nil, fmt.Errorf("%w: %q", registry.ErrUnregistered, name)
	}
	return env.Functions.Lookup(name)
}

func handleParameter(_ context.Context, env *Env, n query.Node) (any, error) {
	p, err := as[query.Parameter](n)
	if err != nil {
		return nil, err
	}
	v, ok := env.Params[p.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingParameter, p.Name)
	}
	return v, nil
}

func handleCall(ctx context.Context, env *Env, n query.Node) (any, error) {
	c, err := as[query.Call](n)
	if err != nil {
		return nil, err
	}
	fn, err := lookupFunction(env, c.Function)
	if err != nil {
		return nil, err
	}
	kwargs := c.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return fn.Call(ctx, c.Args, kwargs)
}

func handleJoin(_ context.Context, _ *Env, n query.Node) (any, error) {
	j, err := as[query.Join](n)
	if err != nil {
		return nil, err
	}
	if (j.LeftOn == "") != (j.RightOn == "") {
		return nil, fmt.Errorf("%w: left_on=%q right_on=%q", ErrJoinKeys, j.LeftOn, j.RightOn)
	}
	left, err := records(j.Left)
	if err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	right, err := records(j.Right)
	if err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}

	if j.LeftOn == "" {
		out := make([]any, 0, min(len(left), len(right)))
		for i := range min(len(left), len(right)) {
			out = append(out, merge(left[i], right[i]))
		}
		return out, nil
	}

	index := make(map[any]map[string]any, len(right))
	for _, rec := range right {
		if k, ok := joinKey(Lookup(rec, j.RightOn)); ok {
			index[k] = rec
		}
	}
	out := make([]any, 0, len(left))
	for _, rec := range left {
		k, ok := joinKey(Lookup(rec, j.LeftOn))
		if !ok {
			continue
		}
		if match, ok := index[k]; ok {
			out = append(out, merge(rec, match))
		}
	}
	return out, nil
}

func merge(left, right map[string]any) map[string]any {
	out := make(map[string]any, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

func handleMap(ctx context.Context, env *Env, n query.Node) (any, error) {
	m, err := as[query.Map](n)
	if err != nil {
		return nil, err
	}
	values, err := sequence(m.Values)
	if err != nil {
		return nil, fmt.Errorf("values: %w", err)
	}
	out := make([]any, len(values))
	if m.ValuePath != "" {
		for i, v := range values {
			out[i] = Lookup(v, m.ValuePath)
		}
		return out, nil
	}
	fn, err := lookupFunction(env, m.Function)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := fn.Call(ctx, []any{v}, map[string]any{})
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

type keyRecord struct {
	key     string
	context any
}

func handleSelect(ctx context.Context, env *Env, n query.Node) (any, error) {
	s, err := as[query.Select](n)
	if err != nil {
		return nil, err
	}
	if env.Store == nil {
		return nil, ErrNoStore
	}
	recs, err := records(s.Keys)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	reqs := make([]keyRecord, len(recs))
	for i, rec := range recs {
		key, ok := rec["key"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: keys[%d] has no string key", ErrBadInput, i)
		}
		reqs[i] = keyRecord{key: key, context: rec["context"]}
	}
	paths := query.SortedKeys(s.Fields)

	out := make([]any, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(env.SelectConcurrency, 1))
	for i, req := range reqs {
		g.Go(func() error {
			stored, err := env.Store.Get(gctx, req.key)
			if err != nil {
				if !errors.Is(err, kvs.ErrNotFound) {
					return fmt.Errorf("keys[%d]: %w", i, err)
				}
				stored = nil
			}
			item := map[string]any{
				"context": map[string]any{"key": req.key, "context": req.context},
			}
			for _, p := range paths {
				item[s.Fields[p]] = Lookup(stored, p)
			}
			out[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func handleKeys(_ context.Context, env *Env, n query.Node) (any, error) {
	k, err := as[query.Keys](n)
	if err != nil {
		return nil, err
	}
	items, err := upstream(env.KeyFields, k.Extra)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		val := item
		if k.ValuePath != "" {
			val = Lookup(item, k.ValuePath)
		}
		var carried any = map[string]any{}
		if rec, ok := record(item); ok && rec["context"] != nil {
			carried = rec["context"]
		}
		out = append(out, map[string]any{
			"key": k.Function + "-" + keyString(val),
			"context": map[string]any{
				"function": k.Function,
				"value":    val,
				"context":  carried,
			},
		})
	}
	return out, nil
}

// upstream picks the sequence a keys node iterates over.
func upstream(keyFields []string, extra map[string]any) ([]any, error) {
	var names []string
	for _, name := range query.SortedKeys(extra) {
		if len(keyFields) > 0 {
			if slices.Contains(keyFields, name) {
				names = append(names, name)
			}
			continue
		}
		if isSequence(extra[name]) {
			names = append(names, name)
		}
	}
	switch len(names) {
	case 0:
		return nil, nil
	case 1:
		seq, err := sequence(extra[names[0]])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", names[0], err)
		}
		return seq, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrKeysAmbiguous, strings.Join(names, ", "))
	}
}
