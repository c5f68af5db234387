// Package reqid tags a context with an identifier shared by every event
// published while serving one request or one query execution.
package reqid

import (
	"context"
	"math/rand/v2"
	"strconv"
)

type key struct{}

// NewContext returns a copy of parent carrying a fresh random ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int64()
	return context.WithValue(parent, key{}, id), id
}

// Ensure returns ctx unchanged if it already carries an ID, otherwise a copy
// with a new one.
func Ensure(ctx context.Context) (context.Context, int64) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	return NewContext(ctx)
}

// FromContext extracts the ID from ctx.
func FromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(key{}).(int64)
	return id, ok
}

// String formats id the way it appears in logs and response headers.
func String(id int64) string {
	return strconv.FormatInt(id, 36)
}
