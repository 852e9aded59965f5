// Package health serves the standard gRPC health checking protocol on a
// unix socket so supervisors can probe the daemon without speaking its
// client protocol.
package health

import (
	"context"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// Service names reported by the daemon. The empty name is the overall
// status.
const (
	ServiceOverall   = ""
	ServiceGateway   = "awareness.gateway"
	ServiceDiscovery = "awareness.discovery"
)

// Checker implements grpc_health_v1.HealthServer. Watch streams every
// status change until the caller goes away or the checker shuts down.
type Checker struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
	shutdown bool
}

// NewChecker creates a checker that knows the given services. Every
// service, and the overall status, starts out SERVING.
func NewChecker(log *logger.Logger, services ...string) (*Checker, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	statuses := map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
		ServiceOverall: grpc_health_v1.HealthCheckResponse_SERVING,
	}
	for _, name := range services {
		statuses[name] = grpc_health_v1.HealthCheckResponse_SERVING
	}

	c := &Checker{
		logger:   log.With("component", "health_checker"),
		statuses: statuses,
		watchers: make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
	}
	c.logger.Debug("Health checker initialized", "services", len(statuses))
	return c, nil
}

// Check implements the health check RPC. Unknown services are NotFound.
func (c *Checker) Check(_ context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.statusLocked(req.GetService())
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch implements the health watch RPC. An unknown service is reported
// as SERVICE_UNKNOWN and may later become known.
func (c *Checker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.GetService()
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	c.mu.Lock()
	current, ok := c.statusLocked(service)
	if !ok {
		current = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	shutdown := c.shutdown
	if !shutdown {
		if c.watchers[service] == nil {
			c.watchers[service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
		}
		c.watchers[service][updates] = struct{}{}
	}
	c.mu.Unlock()

	defer c.removeWatcher(service, updates)

	last := current
	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}
	if shutdown {
		return nil
	}

	for {
		select {
		case st, open := <-updates:
			if !open {
				return nil
			}
			if st == last {
				continue
			}
			last = st
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return status.Error(codes.Canceled, "stream has ended")
		}
	}
}

func (c *Checker) removeWatcher(service string, ch chan grpc_health_v1.HealthCheckResponse_ServingStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.watchers[service]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(c.watchers, service)
		}
	}
}

// statusLocked must be called with the lock held
func (c *Checker) statusLocked(service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, bool) {
	st, ok := c.statuses[service]
	if !ok {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, false
	}
	if c.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING, true
	}
	return st, true
}

// SetServingStatus records the status of service and notifies its watchers.
// It is ignored after Shutdown.
func (c *Checker) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		c.logger.Debug("Ignoring status change after shutdown", "service", service)
		return
	}

	old := c.statuses[service]
	c.statuses[service] = st
	c.notifyLocked(service, st)

	if old != st {
		c.logger.Info("Health status updated", "service", service, "old_status", old.String(), "new_status", st.String())
	}
}

// notifyLocked keeps only the newest status in each watcher's channel
func (c *Checker) notifyLocked(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	for ch := range c.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// SetServing marks service SERVING
func (c *Checker) SetServing(service string) {
	c.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing marks service NOT_SERVING
func (c *Checker) SetNotServing(service string) {
	c.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Shutdown reports every service NOT_SERVING from now on and ends all
// watch streams after telling them so.
func (c *Checker) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return
	}
	c.shutdown = true
	for service, set := range c.watchers {
		for ch := range set {
			select {
			case <-ch:
			default:
			}
			ch <- grpc_health_v1.HealthCheckResponse_NOT_SERVING
			close(ch)
		}
		delete(c.watchers, service)
	}
	c.logger.Info("Health checker shut down")
}

// IsServing reports whether service is currently SERVING
func (c *Checker) IsServing(service string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.statusLocked(service)
	return ok && st == grpc_health_v1.HealthCheckResponse_SERVING
}

// Services returns the known service names in sorted order
func (c *Checker) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.statuses))
	for name := range c.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
