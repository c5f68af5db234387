package remotefn

import "errors"

var (
	// ErrNoEndpoints reports a service with no known endpoint.
	ErrNoEndpoints = errors.New("remotefn: no endpoints available")
	ErrClosed      = errors.New("remotefn: transport closed")
	// ErrBadMethod reports a method name not of the form /package.Service/Method.
	ErrBadMethod = errors.New("remotefn: malformed method name")
)
