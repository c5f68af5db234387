// Package remotefn exposes gRPC methods as registry functions, and registry
// functions as gRPC methods.
package remotefn

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/querydag/internal/query"
	"github.com/hanpama/querydag/internal/registry"
)

// Function returns a registry function that invokes method through t.
func Function(t *Transport, name, method string) registry.Function {
	return registry.Func(func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return t.Invoke(ctx, name, method, args, kwargs)
	})
}

// Register adds one remote function per entry of methods (function name to
// full gRPC method name) to reg.
func Register(reg *registry.Registry, t *Transport, methods map[string]string) error {
	for _, name := range query.SortedKeys(methods) {
		if _, _, err := splitMethod(methods[name]); err != nil {
			return fmt.Errorf("remotefn: function %q: %w", name, err)
		}
		if err := reg.Register(name, Function(t, name, methods[name])); err != nil {
			return err
		}
	}
	return nil
}

// ServiceDesc describes a gRPC service named service whose methods call the
// given functions using the Struct/Value envelope. Register it with
// grpc.Server.RegisterService(desc, struct{}{}).
func ServiceDesc(service string, functions map[string]registry.Function) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*any)(nil),
		Metadata:    "querydag/remotefn",
	}
	for _, method := range query.SortedKeys(functions) {
		fn := functions[method]
		fullMethod := "/" + service + "/" + method
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: method,
			Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				call := func(ctx context.Context, r any) (any, error) {
					args, kwargs := decodeRequest(r.(*structpb.Struct))
					out, err := fn.Call(ctx, args, kwargs)
					if err != nil {
						return nil, err
					}
					v, err := normalize(out)
					if err != nil {
						return nil, status.Errorf(codes.Internal, "encode result: %v", err)
					}
					return structpb.NewValue(v)
				}
				if interceptor == nil {
					return call(ctx, req)
				}
				return interceptor(ctx, req, &grpc.UnaryServerInfo{FullMethod: fullMethod}, call)
			},
		})
	}
	return desc
}
