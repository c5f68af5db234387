package remotefn

import (
	"context"
	"fmt"
	"sync"
)

// EndpointProvider lists the endpoints (host:port) serving a fully qualified
// gRPC service name such as "school.Roster". Implementations must be safe for
// concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// StaticEndpoints serves a fixed service to endpoints table.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = append([]string(nil), v...)
	}
	return &StaticEndpoints{data: cp}
}

// Set replaces the endpoints of service.
func (s *StaticEndpoints) Set(service string, endpoints ...string) {
	s.mu.Lock()
	s.data[service] = append([]string(nil), endpoints...)
	s.mu.Unlock()
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, service)
	}
	return append([]string(nil), arr...), nil
}

// SharedEndpoints serves every service from the same endpoints.
type SharedEndpoints []string

func (s SharedEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, service)
	}
	return append([]string(nil), s...), nil
}
