package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hanpama/querydag/internal/config"
	"github.com/hanpama/querydag/internal/ctxlog"
	"github.com/hanpama/querydag/internal/eventbus"
	"github.com/hanpama/querydag/internal/events"
	"github.com/hanpama/querydag/internal/flatten"
	"github.com/hanpama/querydag/internal/kvs"
	"github.com/hanpama/querydag/internal/query"
	"github.com/hanpama/querydag/internal/registry"
	"github.com/hanpama/querydag/internal/reqid"
)

var (
	// ErrMissingDependency reports a Variable or return naming no graph entry.
	ErrMissingDependency = flatten.ErrMissingDependency
	// ErrMissingParameter reports a parameter node with no supplied value.
	ErrMissingParameter = errors.New("executor: missing parameter")
	// ErrCycle reports an entry that depends on itself.
	ErrCycle = errors.New("executor: dependency cycle")
	// ErrResultShape reports a returned value that production shaping cannot
	// handle.
	ErrResultShape = errors.New("executor: return value is not a sequence of records")
	// ErrJoinKeys reports a join node with only one of left_on and right_on.
	ErrJoinKeys = errors.New("executor: join needs both left_on and right_on, or neither")
	// ErrKeysAmbiguous reports a keys node with more than one candidate
	// upstream sequence.
	ErrKeysAmbiguous = errors.New("executor: keys node has more than one upstream sequence")
	// ErrBadInput reports a handler input of the wrong shape.
	ErrBadInput = errors.New("executor: bad input")
	// ErrNoStore reports a document lookup on an executor without a store.
	ErrNoStore = errors.New("executor: no key-value store configured")
)

// Env is what a handler sees of the execution it runs in.
type Env struct {
	Params    map[string]any
	Functions registry.Lookup
	Store     kvs.Store
	// KeyFields restricts which extra arguments a keys node reads its
	// upstream sequence from. Empty means any sequence-valued argument.
	KeyFields         []string
	SelectConcurrency int
}

// Handler evaluates one node whose children are already resolved.
type Handler func(ctx context.Context, env *Env, n query.Node) (any, error)

// DefaultHandlers returns a fresh map holding the built-in handlers.
func DefaultHandlers() map[query.Kind]Handler {
	return map[query.Kind]Handler{
		query.KindParameter: handleParameter,
		query.KindCall:      handleCall,
		query.KindJoin:      handleJoin,
		query.KindMap:       handleMap,
		query.KindSelect:    handleSelect,
		query.KindKeys:      handleKeys,
	}
}

// Executor runs graphs. It holds no per-run state and is safe for concurrent
// use.
type Executor struct {
	functions         registry.Lookup
	store             kvs.Store
	mode              config.RunMode
	selectConcurrency int
	keyFields         []string
	handlers          map[query.Kind]Handler
	logger            *slog.Logger
}

type Option func(*Executor)

// WithRunMode selects output shaping. The default is config.Development.
func WithRunMode(mode config.RunMode) Option {
	return func(e *Executor) { e.mode = mode }
}

// WithSelectConcurrency bounds the number of concurrent store reads issued by
// one select node. Values below 1 mean 1.
func WithSelectConcurrency(n int) Option {
	return func(e *Executor) {
		if n < 1 {
			n = 1
		}
		e.selectConcurrency = n
	}
}

// WithHandler installs h for kind. A nil h removes the handler, making nodes
// of that kind evaluate to Unimplemented.
func WithHandler(kind query.Kind, h Handler) Option {
	return func(e *Executor) {
		if h == nil {
			delete(e.handlers, kind)
			return
		}
		e.handlers[kind] = h
	}
}

func WithKeyFields(names ...string) Option {
	return func(e *Executor) { e.keyFields = append([]string(nil), names...) }
}

// WithLogger sets the logger. Without it the logger is taken from the
// context passed to Execute.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns an executor calling functions from functions and reading
// select values from store. store may be nil if no graph uses select.
func New(functions registry.Lookup, store kvs.Store, opts ...Option) *Executor {
	e := &Executor{
		functions:         functions,
		store:             store,
		mode:              config.Development,
		selectConcurrency: 1,
		handlers:          DefaultHandlers(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type queryNameKey struct{}

// WithQueryName labels executions started with ctx for events and logs.
func WithQueryName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, queryNameKey{}, name)
}

func queryName(ctx context.Context) string {
	name, _ := ctx.Value(queryNameKey{}).(string)
	return name
}

// Execute evaluates every name in g.Returns with params as the parameter
// values. It never returns nil. Names listed more than once are evaluated
// once.
func (e *Executor) Execute(ctx context.Context, g *flatten.Graph, params map[string]any) *Result {
	ctx, _ = reqid.Ensure(ctx)
	start := time.Now()
	name := queryName(ctx)
	eventbus.Publish(ctx, events.QueryStart{Query: name, Returns: g.Returns})

	r := e.newRun(ctx, g, params)
	res := &Result{Data: make(map[string]any, len(g.Returns))}
	seen := make(map[string]bool, len(g.Returns))
	for _, ret := range g.Returns {
		if seen[ret] {
			continue
		}
		seen[ret] = true
		v, err := r.visit(ctx, ret)
		if err == nil && e.mode == config.Production {
			v, err = stripContext(v)
		}
		if err != nil {
			res.Errors = append(res.Errors, NodeError{Name: ret, Message: err.Error(), Err: err})
			continue
		}
		res.Data[ret] = v
	}

	var errs []error
	for _, ne := range res.Errors {
		errs = append(errs, ne)
	}
	eventbus.Publish(ctx, events.QueryFinish{
		Query:    name,
		Returns:  g.Returns,
		Errors:   errs,
		Duration: time.Since(start),
	})
	if len(errs) > 0 {
		r.logger.WarnContext(ctx, "query finished with errors", "query", name, "errors", len(errs))
	}
	return res
}

// Evaluate runs g once with a development-mode executor and returns the
// values of every return name, or the joined errors of the failed ones.
func Evaluate(ctx context.Context, g *flatten.Graph, params map[string]any, functions registry.Lookup, store kvs.Store) (map[string]any, error) {
	res := New(functions, store).Execute(ctx, g, params)
	return res.Data, res.Err()
}

type outcome struct {
	value any
	err   error
}

// run is the state of one Execute call.
type run struct {
	e       *Executor
	g       *flatten.Graph
	env     *Env
	logger  *slog.Logger
	results map[string]outcome
	stack   []string
}

func (e *Executor) newRun(ctx context.Context, g *flatten.Graph, params map[string]any) *run {
	logger := e.logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	return &run{
		e: e,
		g: g,
		env: &Env{
			Params:            params,
			Functions:         e.functions,
			Store:             e.store,
			KeyFields:         e.keyFields,
			SelectConcurrency: e.selectConcurrency,
		},
		logger:  logger,
		results: make(map[string]outcome, len(g.Nodes)),
	}
}

func (r *run) visit(ctx context.Context, name string) (any, error) {
	if o, ok := r.results[name]; ok {
		return o.value, o.err
	}
	if i := slices.Index(r.stack, name); i >= 0 {
		path := append(slices.Clone(r.stack[i:]), name)
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
	}
	entry, ok := r.g.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDependency, name)
	}
	r.stack = append(r.stack, name)
	v, err := r.resolve(ctx, name, entry)
	r.stack = r.stack[:len(r.stack)-1]
	r.results[name] = outcome{value: v, err: err}
	return v, err
}

// resolve evaluates v, which sits at label. Maps and slices are copied.
func (r *run) resolve(ctx context.Context, label string, v any) (any, error) {
	switch v := v.(type) {
	case query.Variable:
		return r.visit(ctx, v.Name)
	case query.Node:
		return r.dispatch(ctx, label, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, k := range query.SortedKeys(v) {
			x, err := r.resolve(ctx, label+"."+k, v[k])
			if err != nil {
				return nil, err
			}
			out[k] = x
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			x, err := r.resolve(ctx, fmt.Sprintf("%s.%d", label, i), e)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *run) dispatch(ctx context.Context, label string, n query.Node) (any, error) {
	resolved, err := query.Transform(n, func(field string, child any) (any, error) {
		return r.resolve(ctx, label+"."+field, child)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind := n.Kind()
	h, ok := r.e.handlers[kind]
	if !ok {
		r.logger.WarnContext(ctx, "no handler for node kind", "node", label, "kind", kind)
		return Unimplemented{Kind: kind, Node: resolved}, nil
	}

	start := time.Now()
	eventbus.Publish(ctx, events.NodeStart{Name: label, Kind: string(kind)})
	r.logger.DebugContext(ctx, "dispatch", "node", label, "kind", kind)

	v, err := h(ctx, r.env, resolved)

	d := time.Since(start)
	recordNode(ctx, kind, d, err)
	eventbus.Publish(ctx, events.NodeFinish{Name: label, Kind: string(kind), Err: err, Duration: d})
	if err != nil {
		r.logger.DebugContext(ctx, "node failed", "node", label, "kind", kind, "duration", d, "error", err)
		return nil, fmt.Errorf("%s %s: %w", kind, label, err)
	}
	return v, nil
}
