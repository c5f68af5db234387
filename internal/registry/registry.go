package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnregistered is returned by Lookup for names that have no function.
	ErrUnregistered = errors.New("registry: unregistered function")
	// ErrDuplicate is returned by Register when the name is already taken.
	ErrDuplicate = errors.New("registry: function already registered")
)

// Function is an invocable capability. Every function may block; callers pass
// a context that carries cancellation and deadlines.
type Function interface {
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// Func adapts an ordinary function to Function.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

func (f Func) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Sync wraps a function that needs no context.
func Sync(f func(args []any, kwargs map[string]any) (any, error)) Function {
	return Func(func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		return f(args, kwargs)
	})
}

// Unary wraps a single-argument function, the shape Map invokes. Extra
// positional arguments and keyword arguments are rejected.
func Unary(f func(ctx context.Context, v any) (any, error)) Function {
	return Func(func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) != 1 || len(kwargs) != 0 {
			return nil, fmt.Errorf("registry: unary function called with %d args and %d kwargs", len(args), len(kwargs))
		}
		return f(ctx, args[0])
	})
}

// Lookup resolves function names.
type Lookup interface {
	Lookup(name string) (Function, error)
}

// Registry is a concurrency-safe name to Function table. It is filled during
// start-up and read during execution.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{fns: make(map[string]Function)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Function) error {
	if name == "" {
		return errors.New("registry: empty function name")
	}
	if fn == nil {
		return fmt.Errorf("registry: nil function for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fns[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	r.fns[name] = fn
	return nil
}

// MustRegister is Register that panics on error, for static set-up code.
func (r *Registry) MustRegister(name string, fn Function) *Registry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Function, error) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregistered, name)
	}
	return fn, nil
}

// Names returns the registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
