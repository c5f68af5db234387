// Package binding turns named query templates into callable queries.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hanpama/querydag/internal/executor"
	"github.com/hanpama/querydag/internal/flatten"
	"github.com/hanpama/querydag/internal/query"
)

var (
	// ErrAlreadyBound reports a second query registered under a taken name.
	ErrAlreadyBound = errors.New("binding: query already bound")
	ErrUnknownQuery = errors.New("binding: unknown query")
)

// Query runs one bound query with the given parameters.
type Query func(ctx context.Context, params map[string]any) *executor.Result

type entry struct {
	tree  query.Tree
	graph *flatten.Graph
}

// Set holds bound queries and the executor that runs them. It is safe for
// concurrent use.
type Set struct {
	exec *executor.Executor

	mu      sync.RWMutex
	queries map[string]entry
}

// New returns an empty Set running queries on exec.
func New(exec *executor.Executor) *Set {
	return &Set{exec: exec, queries: make(map[string]entry)}
}

// Bind builds a Set holding every template.
func Bind(templates map[string]query.Tree, exec *executor.Executor) (*Set, error) {
	s := New(exec)
	if err := s.BindAll(templates); err != nil {
		return nil, err
	}
	return s, nil
}

// Bind compiles tree and registers it as name. The template is flattened
// once; the resulting graph is never modified by execution, so every call
// starts from the same state.
func (s *Set) Bind(name string, tree query.Tree) error {
	g, err := flatten.Flatten(tree)
	if err == nil {
		err = g.Validate()
	}
	if err != nil {
		return fmt.Errorf("binding: query %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[name]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyBound, name)
	}
	s.queries[name] = entry{tree: tree, graph: g}
	return nil
}

// BindAll binds every template, in name order, stopping at the first error.
func (s *Set) BindAll(templates map[string]query.Tree) error {
	for _, name := range query.SortedKeys(templates) {
		if err := s.Bind(name, templates[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the bound queries in ascending order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query.SortedKeys(s.queries)
}

// Template returns the authored tree of name.
func (s *Set) Template(name string) (query.Tree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queries[name]
	return e.tree, ok
}

// Graph returns the compiled graph of name.
func (s *Set) Graph(name string) (*flatten.Graph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queries[name]
	return e.graph, ok
}

// Run executes the query bound as name.
func (s *Set) Run(ctx context.Context, name string, params map[string]any) (*executor.Result, error) {
	g, ok := s.Graph(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	return s.exec.Execute(executor.WithQueryName(ctx, name), g, params), nil
}

// Func returns name as a Query.
func (s *Set) Func(name string) (Query, error) {
	g, ok := s.Graph(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	return func(ctx context.Context, params map[string]any) *executor.Result {
		return s.exec.Execute(executor.WithQueryName(ctx, name), g, params)
	}, nil
}

// Executor returns the executor queries run on.
func (s *Set) Executor() *executor.Executor { return s.exec }
