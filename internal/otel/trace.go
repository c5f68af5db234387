package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/querydag/internal/eventbus"
	"github.com/hanpama/querydag/internal/events"
	"github.com/hanpama/querydag/internal/reqid"
)

// Trace subscribes span-producing handlers to b. Spans of one request nest
// in the order they were opened: http.request, then query.execute, then
// query.node, then rpc.client.
func Trace(b *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer, open: make(map[int64][]openSpan)}
	unsubs := []func(){
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPStart) {
			s.start(ctx, "http", "http.request",
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.String("http.route", e.Route),
			)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPFinish) {
			if span := s.finish(ctx, "http"); span != nil {
				span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
				if e.Status >= 500 {
					span.SetStatus(codes.Error, "")
				}
				span.End()
			}
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.QueryStart) {
			s.start(ctx, "query", "query.execute",
				attribute.String("query.name", e.Query),
				attribute.StringSlice("query.returns", e.Returns),
			)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.QueryFinish) {
			if span := s.finish(ctx, "query"); span != nil {
				span.SetAttributes(attribute.Int("query.error_count", len(e.Errors)))
				if len(e.Errors) > 0 {
					span.SetStatus(codes.Error, e.Errors[0].Error())
				}
				span.End()
			}
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.NodeStart) {
			s.start(ctx, "node:"+e.Name, "query.node",
				attribute.String("node.name", e.Name),
				attribute.String("node.kind", e.Kind),
			)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.NodeFinish) {
			if span := s.finish(ctx, "node:"+e.Name); span != nil {
				endWithError(span, e.Err)
			}
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.RPCStart) {
			s.start(ctx, "rpc:"+e.Function, "rpc.client",
				semconv.RPCSystemGRPC,
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("rpc.function", e.Function),
				attribute.String("net.peer.name", e.Target),
			)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.RPCFinish) {
			if span := s.finish(ctx, "rpc:"+e.Function); span != nil {
				span.SetAttributes(attribute.String("rpc.grpc.status", e.Code.String()))
				endWithError(span, e.Err)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func endWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type openSpan struct {
	key  string
	span trace.Span
}

type subscriber struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[int64][]openSpan // by request ID, innermost last
}

func (s *subscriber) start(ctx context.Context, key, name string, attrs ...attribute.KeyValue) {
	rid, _ := reqid.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.open[rid]
	parent := ctx
	if len(stack) > 0 {
		parent = trace.ContextWithSpan(ctx, stack[len(stack)-1].span)
	}
	_, span := s.tracer.Start(parent, name, trace.WithAttributes(attrs...))
	s.open[rid] = append(stack, openSpan{key: key, span: span})
}

// finish removes and returns the innermost open span with key, or nil.
func (s *subscriber) finish(ctx context.Context, key string) trace.Span {
	rid, _ := reqid.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.open[rid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].key != key {
			continue
		}
		span := stack[i].span
		stack = append(stack[:i:i], stack[i+1:]...)
		if len(stack) == 0 {
			delete(s.open, rid)
		} else {
			s.open[rid] = stack
		}
		return span
	}
	return nil
}
