package events

import "time"

// QueryStart is emitted before a graph is executed.
type QueryStart struct {
	// Query is the bound query name, empty for ad-hoc graphs.
	Query   string
	Returns []string
}

// QueryFinish is emitted after a graph has been executed.
type QueryFinish struct {
	Query    string
	Returns  []string
	Errors   []error
	Duration time.Duration
}

// NodeStart is emitted before a graph entry is dispatched to its handler.
type NodeStart struct {
	Name string
	Kind string
}

// NodeFinish is emitted after a handler returns.
type NodeFinish struct {
	Name     string
	Kind     string
	Err      error
	Duration time.Duration
}
