package remotefn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/querydag/internal/eventbus"
	"github.com/hanpama/querydag/internal/events"
)

// Transport invokes remote functions over gRPC with pooled connections and a
// default deadline.
//
// Every call uses the same envelope: the request is a google.protobuf.Struct
// with an "args" list and a "kwargs" object, and the response is a single
// google.protobuf.Value.
type Transport struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // by endpoint
	closed atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Transport{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

// splitMethod parses "/package.Service/Method".
func splitMethod(method string) (service, name string, err error) {
	trimmed := strings.TrimPrefix(method, "/")
	i := strings.LastIndex(trimmed, "/")
	if !strings.HasPrefix(method, "/") || i <= 0 || i == len(trimmed)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrBadMethod, method)
	}
	return trimmed[:i], trimmed[i+1:], nil
}

// Invoke calls method with the given arguments and returns the decoded
// response value. function labels the call in events.
func (t *Transport) Invoke(ctx context.Context, function, method string, args []any, kwargs map[string]any) (any, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, fmt.Errorf("remotefn: provider not configured")
	}
	service, name, err := splitMethod(method)
	if err != nil {
		return nil, err
	}
	req, err := encodeRequest(args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("remotefn: %s: %w", function, err)
	}

	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "x-querydag-function", function)

	endpoints, err := t.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	cc, err := t.getConn(endpoint)
	if err != nil {
		return nil, err
	}
	defer t.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Publish(ctx, events.RPCStart{Function: function, Method: name, Target: endpoint})
	resp := &structpb.Value{}
	err = cc.Invoke(ctx, method, req, resp)
	eventbus.Publish(ctx, events.RPCFinish{
		Function: function,
		Method:   name,
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return nil, fmt.Errorf("remotefn: %s: %w", function, err)
	}
	return resp.AsInterface(), nil
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

// normalize converts v into the JSON data model structpb accepts.
func normalize(v any) (any, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeRequest(args []any, kwargs map[string]any) (*structpb.Struct, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	body, err := normalize(map[string]any{"args": args, "kwargs": kwargs})
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return structpb.NewStruct(body.(map[string]any))
}

func decodeRequest(req *structpb.Struct) ([]any, map[string]any) {
	m := req.AsMap()
	args, _ := m["args"].([]any)
	kwargs, _ := m["kwargs"].(map[string]any)
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return args, kwargs
}

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case cc, ok := <-p.conns:
		if ok && cc != nil {
			return cc, nil
		}
		return nil, ErrClosed
	default:
		return grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.conns)
	for cc := range p.conns {
		_ = cc.Close()
	}
}

func (t *Transport) getConn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get()
}

func (t *Transport) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
