// Package service provides BaseService, the lifecycle and
// subscription-tracking substrate every CantinaOS service embeds.
//
// The running/stopCh/wg shape is grounded on the teacher's
// internal/scheduler.Scheduler (mutex-guarded running flag, a stopCh
// closed once on Stop, a WaitGroup awaited before Stop returns),
// generalized from one scheduler to the base every service embeds.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

// Status is a service's lifecycle state (§3 Service Record).
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusDegraded     Status = "DEGRADED"
	StatusStopping     Status = "STOPPING"
	StatusStopped      Status = "STOPPED"
	StatusError        Status = "ERROR"
)

// StartStopper is implemented by the concrete service embedding
// *Base. _start and _stop map directly to §4.2's hook names; Go
// exports them as Start/Stop-hook methods since the package is
// private to this module and unexported methods can't satisfy an
// interface across packages.
type StartStopper interface {
	// OnStart runs service-specific startup logic, including
	// subscription setup. An error transitions the service to ERROR
	// and publishes SERVICE_ERROR instead of RUNNING.
	OnStart(ctx context.Context) error
	// OnStop runs service-specific teardown. OnStop must not panic;
	// Base recovers and forces STOPPED regardless.
	OnStop(ctx context.Context) error
}

// GracePeriod is the pause after OnStart before a service is marked
// RUNNING, to let its subscriptions settle (§4.2).
const GracePeriod = 250 * time.Millisecond

// Base gives every CantinaOS service tracked subscriptions, validated
// emit, status reporting, and reentrancy-safe start/stop. Concrete
// services embed *Base and implement StartStopper.
type Base struct {
	Name   string
	Bus    *bus.Bus
	Logger *slog.Logger

	mu          sync.Mutex
	status      Status
	errorCount  int
	subs        []*bus.Subscription
	cancelRoots context.CancelFunc
}

// NewBase constructs a Base bound to name, ready to Start.
func NewBase(name string, b *bus.Bus, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{Name: name, Bus: b, Logger: logger.With("service", name), status: StatusInitializing}
}

// Status returns the service's current lifecycle state.
func (s *Base) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe wraps bus.SubscribeSync, tracking the subscription so Stop
// can release it automatically.
func (s *Base) Subscribe(topic bus.Topic, handler bus.Handler) (*bus.Subscription, error) {
	sub, err := s.Bus.SubscribeSync(topic, s.Name, handler)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

// Emit validates and publishes payload on topic, logging the outcome.
func (s *Base) Emit(ctx context.Context, topic bus.Topic, payload any) error {
	err := s.Bus.Emit(ctx, topic, payload)
	if err != nil {
		s.Logger.Warn("emit failed", "topic", string(topic), "error", err)
	}
	return err
}

// EmitStatus publishes SERVICE_STATUS_UPDATE for this service.
func (s *Base) EmitStatus(ctx context.Context, status Status, message string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	_ = s.Emit(ctx, bus.TopicServiceStatusUpdate, map[string]any{
		"timestamp": time.Now(),
		"source":    s.Name,
		"status":    string(status),
		"message":   message,
	})
}

// EmitError publishes SERVICE_ERROR for this service and increments
// its error counter.
func (s *Base) EmitError(ctx context.Context, kind, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
	_ = s.Emit(ctx, bus.TopicServiceError, map[string]any{
		"timestamp": time.Now(),
		"source":    s.Name,
		"kind":      kind,
		"message":   message,
	})
}

// Start runs impl.OnStart, waits the grace period, and marks the
// service RUNNING. Start is a no-op when the service is already
// RUNNING (§4.2 reentrancy guard); a Start that overlaps another
// Start still in progress is not detected and runs OnStart again.
func (s *Base) Start(ctx context.Context, impl StartStopper) error {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusInitializing
	s.mu.Unlock()

	startCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelRoots = cancel
	s.mu.Unlock()

	if err := impl.OnStart(startCtx); err != nil {
		s.mu.Lock()
		s.status = StatusError
		s.mu.Unlock()
		s.EmitError(ctx, "start_failure", err.Error())
		return fmt.Errorf("%s: start: %w", s.Name, err)
	}

	time.Sleep(GracePeriod)
	s.EmitStatus(ctx, StatusRunning, "started")
	return nil
}

// Stop runs impl.OnStop, unsubscribes every tracked subscription, and
// marks the service STOPPED. Stop never raises: a panicking or
// erroring OnStop is logged and the service is forced to STOPPED
// regardless (§4.2).
func (s *Base) Stop(ctx context.Context, impl StartStopper) {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusStopping {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopping
	cancel := s.cancelRoots
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.Logger.Error("panic during stop", "panic", r)
			}
		}()
		if err := impl.OnStop(ctx); err != nil {
			s.Logger.Error("error during stop", "error", err)
		}
	}()

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		s.Bus.Unsubscribe(sub)
	}
	s.Bus.UnsubscribeAll(s.Name)

	s.EmitStatus(ctx, StatusStopped, "stopped")
}
