// Package mode implements ModeManager, the IDLE/AMBIENT/INTERACTIVE
// finite-state controller that gates mic capture and the ambient plan
// layer (§4.4).
//
// The single-writer mutex around a mutable running state is grounded
// on the teacher's internal/scheduler.Scheduler, whose Start/Stop hold
// one mutex across the whole state transition so concurrent callers
// never interleave.
package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// Mode is one of the three CantinaOS operating modes (§4.4).
type Mode string

const (
	Idle        Mode = "IDLE"
	Ambient     Mode = "AMBIENT"
	Interactive Mode = "INTERACTIVE"
)

func (m Mode) valid() bool {
	switch m {
	case Idle, Ambient, Interactive:
		return true
	default:
		return false
	}
}

// Effects receives the side effects a mode transition triggers.
// Concrete implementations are owned by the services that hold the
// resources in question (music layer, mic capture); ModeManager
// itself holds no hardware state.
type Effects interface {
	StartAmbientPlan(ctx context.Context) error
	CancelAmbientPlan(ctx context.Context) error
	EnableMicCapture(ctx context.Context) error
	DisableMicCapture(ctx context.Context) error
	DuckOff(ctx context.Context) error
}

// NoopEffects implements Effects with no-ops, useful for tests and for
// a CantinaOS build running without the music/speech layers wired.
type NoopEffects struct{}

func (NoopEffects) StartAmbientPlan(context.Context) error  { return nil }
func (NoopEffects) CancelAmbientPlan(context.Context) error { return nil }
func (NoopEffects) EnableMicCapture(context.Context) error  { return nil }
func (NoopEffects) DisableMicCapture(context.Context) error { return nil }
func (NoopEffects) DuckOff(context.Context) error           { return nil }

// ErrInvalidMode is emitted as SERVICE_ERROR and returned when a
// SYSTEM_SET_MODE_REQUEST names a mode outside {IDLE, AMBIENT,
// INTERACTIVE}.
type ErrInvalidMode struct {
	Requested string
}

func (e *ErrInvalidMode) Error() string {
	return fmt.Sprintf("mode: invalid mode %q", e.Requested)
}

// Manager is the ModeManager service.
type Manager struct {
	*service.Base

	effects Effects

	mu      sync.Mutex
	current Mode
}

// New constructs a Manager starting in IDLE.
func New(b *bus.Bus, logger *slog.Logger, effects Effects) *Manager {
	if effects == nil {
		effects = NoopEffects{}
	}
	return &Manager{
		Base:    service.NewBase("mode_manager", b, logger),
		effects: effects,
		current: Idle,
	}
}

// Current returns the active mode.
func (m *Manager) Current() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnStart subscribes to SYSTEM_SET_MODE_REQUEST.
func (m *Manager) OnStart(ctx context.Context) error {
	_, err := m.Subscribe(bus.TopicSystemSetModeRequest, m.handleSetModeRequest)
	return err
}

// OnStop is a no-op; Base.Stop releases the tracked subscription.
func (m *Manager) OnStop(ctx context.Context) error { return nil }

func (m *Manager) handleSetModeRequest(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	requested, _ := payload["mode"].(string)
	return m.Transition(ctx, Mode(requested))
}

// Transition attempts to move to target, running target's side
// effects and emitting SYSTEM_MODE_CHANGE atomically w.r.t. other mode
// requests (§4.4's single-writer guarantee). An invalid target mode
// name is rejected with SERVICE_ERROR and leaves current unchanged.
func (m *Manager) Transition(ctx context.Context, target Mode) error {
	if !target.valid() {
		m.EmitError(ctx, "invalid_mode", fmt.Sprintf("rejected transition to %q", target))
		return &ErrInvalidMode{Requested: string(target)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if from == target {
		return nil
	}

	if err := m.applyEffects(ctx, from, target); err != nil {
		m.EmitError(ctx, "transition_effect_failure", err.Error())
		return err
	}

	m.current = target
	return m.Emit(ctx, bus.TopicSystemModeChange, map[string]any{
		"timestamp": time.Now(),
		"source":    m.Name,
		"from":      string(from),
		"to":        string(target),
	})
}

// applyEffects runs the side effects for from -> target per §4.4's
// transition table. Every (from, target) pair among the three modes
// is a legal transition; only the requested mode's validity gates
// rejection.
func (m *Manager) applyEffects(ctx context.Context, from, target Mode) error {
	if target == Idle {
		if err := m.effects.CancelAmbientPlan(ctx); err != nil {
			return err
		}
		if err := m.effects.DisableMicCapture(ctx); err != nil {
			return err
		}
		return m.effects.DuckOff(ctx)
	}

	switch {
	case from == Idle && target == Ambient:
		return m.effects.StartAmbientPlan(ctx)
	case from == Idle && target == Interactive:
		return m.effects.EnableMicCapture(ctx)
	case from == Ambient && target == Interactive:
		if err := m.effects.CancelAmbientPlan(ctx); err != nil {
			return err
		}
		return m.effects.EnableMicCapture(ctx)
	case from == Interactive && target == Ambient:
		if err := m.effects.DisableMicCapture(ctx); err != nil {
			return err
		}
		return m.effects.StartAmbientPlan(ctx)
	}
	return nil
}
