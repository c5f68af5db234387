package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// RPCStart is emitted before a remote function is invoked over gRPC.
type RPCStart struct {
	Function string
	Method   string
	Target   string
}

// RPCFinish is emitted after a remote function call completes.
type RPCFinish struct {
	Function string
	Method   string
	Target   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
