package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/systemsim/live-components/internal/circuit"
	"github.com/systemsim/live-components/internal/config"
)

// ServicePool is a round-robin pool of gRPC connections backing a
// `service`-kind component dependency (spec.md §4.3). Adapted from the
// teacher's internal/grpc_clients.ServicePool: generalized from three
// hardcoded backend services to any named external service a
// ComponentType declares a dependency on.
//
// A per-pool CircuitBreaker (adapted from the teacher's internal/circuit)
// guards Get: once a service's connections start failing consistently,
// Get refuses new callers instead of handing out a connection to a
// service that's already down, giving it room to recover.
type ServicePool struct {
	name    string
	config  config.ServiceConfig
	breaker *circuit.CircuitBreaker

	mu          sync.RWMutex
	connections []*grpc.ClientConn
	roundRobin  int64

	activeRequests int64
	totalRequests  int64
	errorCount     int64
}

// NewServicePool dials the minimum connection count for a service
// dependency target. It never blocks the caller indefinitely: dial
// failures are returned so the registry can decide whether a `required`
// dependency should fail the mount.
func NewServicePool(name string, cfg config.ServiceConfig, minConnections int) (*ServicePool, error) {
	if minConnections <= 0 {
		minConnections = 1
	}
	pool := &ServicePool{
		name:        name,
		config:      cfg,
		connections: make([]*grpc.ClientConn, 0, minConnections),
		breaker: circuit.NewCircuitBreaker(name, circuit.Config{
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts circuit.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}

	for i := 0; i < minConnections; i++ {
		conn, err := dial(cfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("registry: dial %s connection %d: %w", name, i, err)
		}
		pool.connections = append(pool.connections, conn)
	}
	return pool, nil
}

func dial(cfg config.ServiceConfig) (*grpc.ClientConn, error) {
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(4*1024*1024),
			grpc.MaxCallSendMsgSize(4*1024*1024),
		),
	}
	return grpc.DialContext(ctx, cfg.GRPCAddress, opts...)
}

// Get returns a connection via round robin, or nil if the pool's
// circuit breaker is open. Callers build their own generated-stub
// client from it; the registry does not know the service's proto
// contract (spec.md §1: business logic is user code).
func (p *ServicePool) Get() *grpc.ClientConn {
	if p.breaker.State() == circuit.StateOpen {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.connections) == 0 {
		return nil
	}
	idx := atomic.AddInt64(&p.roundRobin, 1) % int64(len(p.connections))
	atomic.AddInt64(&p.activeRequests, 1)
	atomic.AddInt64(&p.totalRequests, 1)
	return p.connections[idx]
}

// Release decrements the in-flight counter, reporting the call's
// outcome to both the utilization diagnostics and the circuit breaker.
func (p *ServicePool) Release(failed bool) {
	atomic.AddInt64(&p.activeRequests, -1)
	if failed {
		atomic.AddInt64(&p.errorCount, 1)
	}
	_, _ = p.breaker.Execute(func() (interface{}, error) {
		if failed {
			return nil, errReleaseFailed
		}
		return nil, nil
	})
}

var errReleaseFailed = fmt.Errorf("registry: service call failed")

// Close tears down every pooled connection.
func (p *ServicePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range p.connections {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.connections = nil
	return firstErr
}
