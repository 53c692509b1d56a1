package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// Executor is the TimelineExecutor service: one goroutine per layer,
// coordinated through a single mutex so override/foreground/ambient
// precedence (§4.5) is enforced without the layers racing each other.
type Executor struct {
	*service.Base

	waitForCfg WaitForEventConfig

	mu      sync.Mutex
	running map[Layer]*runningPlan
	submit  map[Layer]chan *Plan

	waitMu  sync.Mutex
	waiters map[string][]chan map[string]any // event topic -> pending wait_for_event listeners

	group *errgroup.Group
}

type runningPlan struct {
	plan   *Plan
	cancel context.CancelFunc
	cursor int
	paused bool
}

// New constructs an Executor. waitForCfg.DefaultTimeout bounds
// wait_for_event steps that don't set their own TimeoutSeconds.
func New(b *bus.Bus, logger *slog.Logger, waitForCfg WaitForEventConfig) *Executor {
	if waitForCfg.DefaultTimeout <= 0 {
		waitForCfg = DefaultWaitForEventConfig
	}
	return &Executor{
		Base:       service.NewBase("timeline_executor", b, logger),
		waitForCfg: waitForCfg,
		running:    make(map[Layer]*runningPlan),
		submit: map[Layer]chan *Plan{
			LayerOverride:   make(chan *Plan, 1),
			LayerForeground: make(chan *Plan, 1),
			LayerAmbient:    make(chan *Plan, 1),
		},
		waiters: make(map[string][]chan map[string]any),
	}
}

// OnStart subscribes to PLAN_READY and launches one supervisor
// goroutine per layer, under a shared errgroup so OnStop can wait for
// all three to actually unwind rather than firing-and-forgetting them.
func (e *Executor) OnStart(ctx context.Context) error {
	if _, err := e.Subscribe(bus.TopicPlanReady, e.handlePlanReady); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range []Layer{LayerOverride, LayerForeground, LayerAmbient} {
		layer := layer
		g.Go(func() error {
			e.layerLoop(gctx, layer)
			return nil
		})
	}
	e.group = g
	return nil
}

// OnStop waits for every layer goroutine to unwind after Base.Stop has
// already cancelled the context OnStart's errgroup was derived from.
func (e *Executor) OnStop(ctx context.Context) error {
	if e.group != nil {
		return e.group.Wait()
	}
	return nil
}

func (e *Executor) handlePlanReady(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	plan, ok := payload["plan"].(*Plan)
	if !ok {
		e.Logger.Warn("PLAN_READY without a decodable plan", "payload", payload)
		return nil
	}
	select {
	case e.submit[plan.Layer] <- plan:
	default:
		// Replace a queued-but-not-yet-picked-up plan with the latest one.
		select {
		case <-e.submit[plan.Layer]:
		default:
		}
		e.submit[plan.Layer] <- plan
	}
	return nil
}

func (e *Executor) layerLoop(ctx context.Context, layer Layer) {
	for {
		select {
		case plan := <-e.submit[layer]:
			e.handleSubmit(ctx, layer, plan)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) handleSubmit(ctx context.Context, layer Layer, plan *Plan) {
	switch layer {
	case LayerOverride:
		e.cancelLayer(ctx, LayerForeground)
		e.pauseLayer(ctx, LayerAmbient)
		e.runPlan(ctx, layer, plan, 0)
		e.resumePausedAmbient(ctx)
	case LayerForeground:
		e.pauseLayer(ctx, LayerAmbient)
		e.runPlan(ctx, layer, plan, 0)
		e.resumePausedAmbient(ctx)
	case LayerAmbient:
		e.mu.Lock()
		blocked := e.isActiveLocked(LayerForeground) || e.isActiveLocked(LayerOverride)
		e.mu.Unlock()
		if blocked {
			e.mu.Lock()
			e.running[LayerAmbient] = &runningPlan{plan: plan, cursor: 0, paused: true}
			e.mu.Unlock()
			return
		}
		e.runPlan(ctx, layer, plan, 0)
	}
}

func (e *Executor) isActiveLocked(layer Layer) bool {
	rp, ok := e.running[layer]
	return ok && rp != nil && !rp.paused
}

// CancelLayer outright cancels layer's in-flight plan, for callers
// outside the executor (e.g. ModeManager's any->IDLE effect cancelling
// the ambient layer) that need the same no-resume semantics override
// submission gets internally.
func (e *Executor) CancelLayer(ctx context.Context, layer Layer) {
	e.cancelLayer(ctx, layer)
}

// Submit emits plan as PLAN_READY, for callers outside the executor
// (e.g. ModeManager's IDLE->AMBIENT effect) that need to start a plan
// without constructing the PLAN_READY payload themselves.
func (e *Executor) Submit(ctx context.Context, plan *Plan) error {
	return e.Emit(ctx, bus.TopicPlanReady, map[string]any{
		"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "layer": string(plan.Layer),
		"steps": plan.Steps, "plan": plan, "conversation_id": plan.ConversationID,
	})
}

// cancelLayer outright cancels a lower layer's in-flight plan per
// §4.5 ("submitting to override cancels running steps on lower
// layers"). The cancelled layer does not resume.
func (e *Executor) cancelLayer(ctx context.Context, layer Layer) {
	e.mu.Lock()
	rp := e.running[layer]
	if rp == nil || rp.cancel == nil {
		e.mu.Unlock()
		return
	}
	rp.cancel()
	delete(e.running, layer)
	e.mu.Unlock()
}

// pauseLayer cancels a lower layer's running step but retains its
// plan and cursor so it can resume later (§4.5 foreground/ambient).
func (e *Executor) pauseLayer(ctx context.Context, layer Layer) {
	e.mu.Lock()
	rp := e.running[layer]
	if rp == nil {
		e.mu.Unlock()
		return
	}
	rp.paused = true
	cancel := rp.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Executor) resumePausedAmbient(ctx context.Context) {
	e.mu.Lock()
	rp := e.running[LayerAmbient]
	e.mu.Unlock()
	if rp == nil || !rp.paused {
		return
	}
	e.runPlan(ctx, LayerAmbient, rp.plan, rp.cursor)
}

// runPlan executes plan's steps in order starting at fromIndex,
// emitting PLAN_STARTED once and STEP_READY/STEP_EXECUTED per step.
// A step that fails halts the plan; a cancellation (context done)
// stops mid-step, emits STEP_CANCELLED for the interrupted step, and
// leaves the remaining steps for a future resume if the layer allows
// it: a paused layer resumes from the step after the interrupted one.
func (e *Executor) runPlan(ctx context.Context, layer Layer, plan *Plan, fromIndex int) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[layer] = &runningPlan{plan: plan, cancel: cancel, cursor: fromIndex}
	e.mu.Unlock()
	defer cancel()

	if fromIndex == 0 {
		_ = e.Emit(ctx, bus.TopicPlanStarted, map[string]any{
			"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "layer": string(layer),
		})
	}

	for i := fromIndex; i < len(plan.Steps); i++ {
		step := plan.Steps[i]

		e.mu.Lock()
		if rp := e.running[layer]; rp != nil {
			rp.cursor = i
		}
		e.mu.Unlock()

		select {
		case <-runCtx.Done():
			step.status = StepCancelled
			_ = e.Emit(ctx, bus.TopicStepCancelled, map[string]any{
				"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID,
			})
			return
		default:
		}

		step.status = StepReady
		_ = e.Emit(ctx, bus.TopicStepReady, map[string]any{
			"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID, "type": string(step.Type),
		})

		step.status = StepRunning
		err := e.executeStep(runCtx, plan, step)

		if err != nil && runCtx.Err() != nil {
			step.status = StepCancelled
			e.mu.Lock()
			if rp := e.running[layer]; rp != nil && rp.paused {
				rp.cursor = i + 1
			}
			e.mu.Unlock()
			_ = e.Emit(ctx, bus.TopicStepCancelled, map[string]any{
				"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID,
			})
			return
		}

		if err != nil {
			step.status = StepFailed
			_ = e.Emit(ctx, bus.TopicStepExecuted, map[string]any{
				"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID, "status": string(StepFailed), "error": err.Error(),
			})
			_ = e.Emit(ctx, bus.TopicPlanEnded, map[string]any{
				"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "layer": string(layer), "status": "failed",
			})
			e.mu.Lock()
			delete(e.running, layer)
			e.mu.Unlock()
			return
		}

		step.status = StepDone
		_ = e.Emit(ctx, bus.TopicStepExecuted, map[string]any{
			"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID, "status": string(StepDone),
		})
	}

	_ = e.Emit(ctx, bus.TopicPlanEnded, map[string]any{
		"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "layer": string(layer), "status": "done",
	})
	e.mu.Lock()
	delete(e.running, layer)
	e.mu.Unlock()
}

func (e *Executor) executeStep(ctx context.Context, plan *Plan, step *PlanStep) error {
	switch step.Type {
	case StepSpeak:
		return e.executeSpeak(ctx, plan, step)
	case StepPlayMusic:
		return e.Emit(ctx, bus.TopicMusicCommand, map[string]any{
			"timestamp": time.Now(), "source": e.Name, "action": "play", "track_query": step.TrackQuery,
		})
	case StepWaitForEvent:
		return e.executeWaitForEvent(ctx, step)
	case StepDelay:
		return e.executeDelay(ctx, step)
	case StepEyePattern:
		return e.Emit(ctx, bus.TopicEyeCommand, map[string]any{
			"timestamp": time.Now(), "source": e.Name, "action": "pattern", "pattern": step.Pattern,
		})
	case StepMove:
		// No physical actuator contract in this build (servo/motor
		// firmware is out of scope per §1); the step completes
		// immediately so plans containing it still finish.
		return nil
	default:
		return fmt.Errorf("timeline: unknown step type %q", step.Type)
	}
}

func (e *Executor) executeDelay(ctx context.Context, step *PlanStep) error {
	timer := time.NewTimer(time.Duration(step.DelaySeconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) executeWaitForEvent(ctx context.Context, step *PlanStep) error {
	timeout := e.waitForCfg.DefaultTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds * float64(time.Second))
	}

	ch := make(chan map[string]any, 1)
	e.registerWaiter(step.Event, ch)
	defer e.unregisterWaiter(step.Event, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case payload := <-ch:
			if step.Predicate == nil || step.Predicate(payload) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeline: wait_for_event %q timed out after %s", step.Event, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Executor) registerWaiter(topic string, ch chan map[string]any) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	e.waiters[topic] = append(e.waiters[topic], ch)
}

func (e *Executor) unregisterWaiter(topic string, target chan map[string]any) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	kept := e.waiters[topic][:0:0]
	for _, ch := range e.waiters[topic] {
		if ch != target {
			kept = append(kept, ch)
		}
	}
	e.waiters[topic] = kept
}

// ObserveWaitForEvent feeds payload to any step currently waiting on
// topic. Callers (e.g. a wildcard subscription set up alongside
// OnStart) should invoke this for every bus topic a wait_for_event
// step might await.
func (e *Executor) ObserveWaitForEvent(topic bus.Topic, payload map[string]any) {
	e.waitMu.Lock()
	chans := append([]chan map[string]any{}, e.waiters[string(topic)]...)
	e.waitMu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- payload:
		default:
		}
	}
}

const speechSynthesisWaitTimeout = 10 * time.Second

func (e *Executor) executeSpeak(ctx context.Context, plan *Plan, step *PlanStep) error {
	requestID := fmt.Sprintf("%s:%s", plan.ID, step.ID)

	if err := e.Emit(ctx, bus.TopicAudioDuckingStart, map[string]any{
		"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID,
	}); err != nil {
		return err
	}

	ended := make(chan map[string]any, 1)
	e.registerWaiter(string(bus.TopicSpeechSynthesisEnded), ended)
	defer e.unregisterWaiter(string(bus.TopicSpeechSynthesisEnded), ended)

	if err := e.Emit(ctx, bus.TopicTTSGenerateRequest, map[string]any{
		"timestamp": time.Now(), "source": e.Name, "request_id": requestID, "text": step.Text,
	}); err != nil {
		_ = e.Emit(ctx, bus.TopicAudioDuckingStop, map[string]any{"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID})
		return err
	}

	timer := time.NewTimer(speechSynthesisWaitTimeout)
	defer timer.Stop()

	var synthErr error
waitLoop:
	for {
		select {
		case payload := <-ended:
			if payload["request_id"] == requestID {
				break waitLoop
			}
		case <-timer.C:
			synthErr = fmt.Errorf("timeline: speak step %q timed out waiting for synthesis", step.ID)
			break waitLoop
		case <-ctx.Done():
			synthErr = ctx.Err()
			break waitLoop
		}
	}

	_ = e.Emit(ctx, bus.TopicAudioDuckingStop, map[string]any{
		"timestamp": time.Now(), "source": e.Name, "plan_id": plan.ID, "step_id": step.ID,
	})
	return synthErr
}
