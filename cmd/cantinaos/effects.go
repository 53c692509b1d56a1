package main

import (
	"context"

	"github.com/makeorbreakshop/cantinaos/internal/eyes"
	"github.com/makeorbreakshop/cantinaos/internal/mode"
	"github.com/makeorbreakshop/cantinaos/internal/music"
	"github.com/makeorbreakshop/cantinaos/internal/speech"
	"github.com/makeorbreakshop/cantinaos/internal/timeline"
)

// ambientEyePattern is the pattern ModeManager's IDLE->AMBIENT effect
// drives the eyes to while no other layer holds the ambient plan.
const ambientEyePattern = "ambient_idle"

// modeEffects implements mode.Effects by wiring ModeManager's
// transition table into the services that actually hold the
// resources: the ambient plan layer, mic capture, the eye pattern,
// and the music ducking stack.
type modeEffects struct {
	executor *timeline.Executor
	speech   *speech.Coordinator
	eyes     *eyes.Controller
	music    *music.Coordinator
}

func newModeEffects(executor *timeline.Executor, speechCoord *speech.Coordinator, eyeCtl *eyes.Controller, musicCoord *music.Coordinator) mode.Effects {
	return &modeEffects{executor: executor, speech: speechCoord, eyes: eyeCtl, music: musicCoord}
}

// StartAmbientPlan submits a single-step eye_pattern plan to the
// ambient layer. ModeManager calls it on every transition into
// AMBIENT; Brain authors only foreground plans, so this is the only
// source of ambient plans.
func (e *modeEffects) StartAmbientPlan(ctx context.Context) error {
	plan := timeline.NewPlan(timeline.LayerAmbient, "", []*timeline.PlanStep{
		{Type: timeline.StepEyePattern, Pattern: ambientEyePattern},
	})
	return e.executor.Submit(ctx, plan)
}

// CancelAmbientPlan cancels whatever is running on the ambient layer.
func (e *modeEffects) CancelAmbientPlan(ctx context.Context) error {
	e.executor.CancelLayer(ctx, timeline.LayerAmbient)
	return nil
}

// EnableMicCapture starts a speech session for the newly-entered
// INTERACTIVE mode.
func (e *modeEffects) EnableMicCapture(ctx context.Context) error {
	return e.speech.StartSession(ctx, newConversationID())
}

// DisableMicCapture stops the active speech session, if any.
func (e *modeEffects) DisableMicCapture(ctx context.Context) error {
	if session := e.speech.ActiveSession(); session != "" {
		return e.speech.StopSession(ctx, session)
	}
	return nil
}

// DuckOff resets the music ducking stack to 0 on entering IDLE (§4.4),
// rather than unwinding one duck at a time.
func (e *modeEffects) DuckOff(ctx context.Context) error {
	e.music.ForceUnduck()
	return nil
}
