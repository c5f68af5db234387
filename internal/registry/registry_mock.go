package registry

import (
	"context"
	"sync"
)

// Invocation records one call made through a Counting lookup.
type Invocation struct {
	Function string
	Args     []any
	Kwargs   map[string]any
}

// Counting wraps a Lookup and records every invocation of the functions it
// hands out. It is meant for tests asserting how often work ran.
type Counting struct {
	inner Lookup

	mu    sync.Mutex
	calls []Invocation
}

// NewCounting wraps inner.
func NewCounting(inner Lookup) *Counting {
	return &Counting{inner: inner}
}

func (c *Counting) Lookup(name string) (Function, error) {
	fn, err := c.inner.Lookup(name)
	if err != nil {
		return nil, err
	}
	return Func(func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		c.mu.Lock()
		c.calls = append(c.calls, Invocation{Function: name, Args: args, Kwargs: kwargs})
		c.mu.Unlock()
		return fn.Call(ctx, args, kwargs)
	}), nil
}

// Calls returns a copy of the invocation log.
func (c *Counting) Calls() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Invocation(nil), c.calls...)
}

// Count returns how many times name was invoked.
func (c *Counting) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Function == name {
			n++
		}
	}
	return n
}

// Reset clears the invocation log.
func (c *Counting) Reset() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}
