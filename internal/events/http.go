package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the server receives a request. The event context
// is the request context.
type HTTPStart struct {
	Request *http.Request
	Route   string
}

// HTTPFinish is emitted after the handler has written its response.
type HTTPFinish struct {
	Request  *http.Request
	Route    string
	Status   int
	Duration time.Duration
}
