// Package executor evaluates flattened query graphs against a function
// registry and a key-value store.
//
// # Overview
//
// A graph (see package flatten) maps entry names to expressions and lists
// the names requested as output. Execute visits each requested name in
// order. Visiting a name:
//
//  1. returns the stored outcome if the name was already visited in this run
//     (value or error), so every entry runs its handler at most once per run
//     no matter how many Variables refer to it;
//  2. fails with ErrCycle if the name is already being visited further up
//     the stack, and with ErrMissingDependency if the graph has no such entry;
//  3. resolves every Variable reachable from the entry, including those
//     inside nested maps and slices, by visiting the referenced names first;
//  4. dispatches the entry to the handler registered for its kind and stores
//     the outcome under the entry's name.
//
// Outcomes live in a map owned by the run. The graph itself is never
// modified, so the same *flatten.Graph may be executed any number of times,
// concurrently if needed.
//
// A node that was not hoisted (an expression nested directly inside another
// expression) is evaluated inline as part of its parent. It is not memoized,
// but produces the same value its hoisted form would.
//
// # Handlers
//
// Dispatch goes through a map from query.Kind to Handler built by New. The
// default set covers parameter, call, join, map, select and keys. A kind with
// no handler evaluates to an Unimplemented value instead of failing, so that
// partially supported graphs still run. WithHandler replaces or removes
// handlers.
//
// Handlers receive the node with every child already resolved to a plain
// value:
//
//   - parameter: looks the name up in the run's parameters; a missing
//     parameter is ErrMissingParameter.
//   - call: looks the function up in the registry and invokes it with the
//     resolved positional and keyword arguments.
//   - join: with both key paths set, indexes the right records by the value at
//     right_on and merges each left record with its match (right fields win);
//     unmatched records are dropped. With neither set, zips the two sequences.
//     Setting only one is ErrJoinKeys.
//   - map: extracts value_path from each element when set, otherwise calls the
//     function once per element.
//   - select: reads one store value per key/context record and projects the
//     requested dotted paths. A missing key (kvs.ErrNotFound) yields nil
//     fields for that record; any other store error fails the node.
//   - keys: turns the upstream sequence found among the extra arguments into
//     key/context records keyed "<function>-<value>".
//
// # Output shaping
//
// In development mode returned values are passed through untouched. In
// production mode every returned value must be a sequence of records, and the
// "context" field is removed from each record; any other shape is reported as
// ErrResultShape for that name.
//
// # Errors
//
// A failure only affects the requested names that depend on it. Each failed
// name gets a NodeError in Result.Errors and is absent from Result.Data.
// Handler errors are wrapped with the kind and name of the failing entry, and
// passed unchanged to dependents.
//
// # Observability
//
// Every dispatch publishes events.NodeStart and events.NodeFinish, and every
// Execute call publishes events.QueryStart and events.QueryFinish on the
// global event bus. Node counts and durations are recorded through the
// OpenTelemetry global meter provider.
package executor
