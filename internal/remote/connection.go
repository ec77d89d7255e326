package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/pkg/errors"
)

// ConnectionState is the lifecycle state of a managed mirror connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionConfig configures reconnection and health-check behavior
// for the mirror's underlying client.
type ConnectionConfig struct {
	ConnectionTimeout          time.Duration
	ReconnectDelay             time.Duration
	MaxReconnectDelay          time.Duration
	ReconnectBackoffMultiplier float64
	MaxReconnectAttempts       int
	HealthCheckInterval        time.Duration
	HealthCheckTimeout         time.Duration
	EnableAutoReconnect        bool
}

// DefaultConnectionConfig returns sensible defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectionTimeout:          10 * time.Second,
		ReconnectDelay:             1 * time.Second,
		MaxReconnectDelay:          30 * time.Second,
		ReconnectBackoffMultiplier: 2.0,
		MaxReconnectAttempts:       10,
		HealthCheckInterval:        30 * time.Second,
		HealthCheckTimeout:         5 * time.Second,
		EnableAutoReconnect:        true,
	}
}

// ClientFactory builds the underlying mirror client (an S3 client, in
// production; a fake in tests).
type ClientFactory func(ctx context.Context) (interface{}, error)

// HealthChecker probes a live client for reachability.
type HealthChecker func(ctx context.Context, client interface{}) error

// ConnectionManager owns the mirror client's lifecycle: initial connect,
// periodic health checks, and backoff-based reconnection. The content
// store never blocks on this — store()/remove_secure() treat a
// disconnected mirror as "skip the mirror write," never as a local
// failure (open question (d) in the design ledger).
type ConnectionManager struct {
	name    string
	config  ConnectionConfig
	factory ClientFactory
	health  HealthChecker
	log     *logging.Logger

	mu               sync.RWMutex
	state            ConnectionState
	client           interface{}
	connectedAt      time.Time
	lastError        error
	reconnectAttempt int32
	reconnectDelay   time.Duration

	shutdownCh chan struct{}
	shutdownWg sync.WaitGroup
	shutdown   int32
}

// ConnectionStats summarizes a ConnectionManager's current state.
type ConnectionStats struct {
	Name             string
	State            ConnectionState
	Connected        bool
	ConnectedAt      *time.Time
	Uptime           time.Duration
	ReconnectAttempt int
	LastError        string
}

// NewConnectionManager creates a manager for a client produced by factory.
func NewConnectionManager(name string, config ConnectionConfig, factory ClientFactory, health HealthChecker, log *logging.Logger) *ConnectionManager {
	return &ConnectionManager{
		name:           name,
		config:         config,
		factory:        factory,
		health:         health,
		log:            log.With("remote." + name),
		state:          StateDisconnected,
		reconnectDelay: config.ReconnectDelay,
		shutdownCh:     make(chan struct{}),
	}
}

// Connect establishes the initial client connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	if atomic.LoadInt32(&cm.shutdown) == 1 {
		cm.mu.Unlock()
		return errors.InvalidState("remote", "connection manager is shutting down")
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, cm.config.ConnectionTimeout)
	defer cancel()

	client, err := cm.factory(connCtx)
	if err != nil {
		cm.mu.Lock()
		cm.state = StateDisconnected
		cm.lastError = err
		cm.mu.Unlock()

		cm.log.Error("connection failed: %v", err)
		if cm.config.EnableAutoReconnect {
			cm.scheduleReconnect()
		}
		return errors.IoFailure("remote", "failed to establish mirror connection", err).WithComponent(cm.name)
	}

	cm.mu.Lock()
	cm.client = client
	cm.state = StateConnected
	cm.connectedAt = time.Now()
	cm.lastError = nil
	atomic.StoreInt32(&cm.reconnectAttempt, 0)
	cm.reconnectDelay = cm.config.ReconnectDelay
	cm.mu.Unlock()

	cm.log.Info("mirror connection established")

	if cm.config.HealthCheckInterval > 0 && cm.health != nil {
		cm.shutdownWg.Add(1)
		go cm.healthCheckLoop()
	}
	return nil
}

// Client returns the live client, or an error if not connected.
func (cm *ConnectionManager) Client() (interface{}, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.state != StateConnected {
		return nil, errors.IoFailure("remote", "mirror not connected", nil).
			WithComponent(cm.name).
			WithContext("state", cm.state.String())
	}
	return cm.client, nil
}

// IsConnected reports whether the manager currently has a live client.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected
}

// Stats returns a snapshot of connection state.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		Name:             cm.name,
		State:            cm.state,
		Connected:        cm.state == StateConnected,
		ReconnectAttempt: int(atomic.LoadInt32(&cm.reconnectAttempt)),
	}
	if !cm.connectedAt.IsZero() {
		stats.ConnectedAt = &cm.connectedAt
		if cm.state == StateConnected {
			stats.Uptime = time.Since(cm.connectedAt)
		}
	}
	if cm.lastError != nil {
		stats.LastError = cm.lastError.Error()
	}
	return stats
}

func (cm *ConnectionManager) scheduleReconnect() {
	attempt := atomic.AddInt32(&cm.reconnectAttempt, 1)
	if cm.config.MaxReconnectAttempts > 0 && int(attempt) > cm.config.MaxReconnectAttempts {
		cm.mu.Lock()
		cm.state = StateFailed
		cm.mu.Unlock()
		cm.log.Error("maximum reconnection attempts (%d) exceeded", cm.config.MaxReconnectAttempts)
		return
	}

	cm.mu.Lock()
	delay := cm.reconnectDelay
	cm.reconnectDelay = time.Duration(float64(cm.reconnectDelay) * cm.config.ReconnectBackoffMultiplier)
	if cm.reconnectDelay > cm.config.MaxReconnectDelay {
		cm.reconnectDelay = cm.config.MaxReconnectDelay
	}
	cm.mu.Unlock()

	cm.shutdownWg.Add(1)
	go func() {
		defer cm.shutdownWg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			if atomic.LoadInt32(&cm.shutdown) == 1 {
				return
			}
			cm.mu.Lock()
			cm.state = StateReconnecting
			cm.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), cm.config.ConnectionTimeout)
			err := cm.Connect(ctx)
			cancel()
			if err != nil {
				cm.log.Warn("reconnection attempt %d failed: %v", attempt, err)
			}
		case <-cm.shutdownCh:
			return
		}
	}()
}

func (cm *ConnectionManager) healthCheckLoop() {
	defer cm.shutdownWg.Done()
	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt32(&cm.shutdown) == 1 {
				return
			}
			cm.performHealthCheck()
		case <-cm.shutdownCh:
			return
		}
	}
}

func (cm *ConnectionManager) performHealthCheck() {
	cm.mu.RLock()
	if cm.state != StateConnected || cm.client == nil {
		cm.mu.RUnlock()
		return
	}
	client := cm.client
	cm.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.HealthCheckTimeout)
	defer cancel()

	if err := cm.health(ctx, client); err != nil {
		cm.log.Warn("health check failed: %v", err)
		cm.mu.Lock()
		cm.lastError = err
		cm.client = nil
		cm.state = StateDisconnected
		cm.mu.Unlock()

		if cm.config.EnableAutoReconnect {
			cm.scheduleReconnect()
		}
	}
}

// Close stops reconnection/health-check goroutines and releases the
// current client.
func (cm *ConnectionManager) Close() error {
	if !atomic.CompareAndSwapInt32(&cm.shutdown, 0, 1) {
		return nil
	}
	close(cm.shutdownCh)

	cm.mu.Lock()
	cm.client = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.shutdownWg.Wait()
	return nil
}
