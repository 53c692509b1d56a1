// Package timeline implements the TimelineExecutor: a layered plan
// runner that executes speak/duck, delay, and wait-for-event steps
// with override > foreground > ambient precedence (§4.5).
//
// The step-by-step instrumentation (one status update emitted before
// and after each step, a fail path that short-circuits the remaining
// steps) is grounded on the teacher's other-examples scene executor
// (other_examples/.../sonos-hub-go/internal/scene/executor.go),
// generalized from one linear scene execution into three concurrent
// precedence layers coordinated with golang.org/x/sync/errgroup.
package timeline

import (
	"time"

	"github.com/google/uuid"
)

// Layer is a Plan's execution priority band (§3 Plan).
type Layer string

const (
	LayerAmbient    Layer = "ambient"
	LayerForeground Layer = "foreground"
	LayerOverride   Layer = "override"
)

func (l Layer) rank() int {
	switch l {
	case LayerOverride:
		return 2
	case LayerForeground:
		return 1
	default:
		return 0
	}
}

// StepType enumerates the closed set of PlanStep kinds CantinaOS
// supports (§3 Plan; Open Question §D decided against nested plans).
type StepType string

const (
	StepPlayMusic    StepType = "play_music"
	StepSpeak        StepType = "speak"
	StepWaitForEvent StepType = "wait_for_event"
	StepDelay        StepType = "delay"
	StepEyePattern   StepType = "eye_pattern"
	StepMove         StepType = "move"
)

// StepStatus is a PlanStep's position in its state machine (§3):
// pending -> ready -> running -> done | cancelled | failed.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepDone      StepStatus = "done"
	StepCancelled StepStatus = "cancelled"
	StepFailed    StepStatus = "failed"
)

// PlanStep is one instruction within a Plan. Only the fields relevant
// to Type are meaningful; the rest are zero.
type PlanStep struct {
	ID            string
	Type          StepType
	Text          string        // speak
	ClipID        string        // play_music
	TrackQuery    string        // play_music
	Event         string        // wait_for_event: topic to await
	Predicate     func(payload map[string]any) bool
	DelaySeconds  float64       // delay
	Pattern       string        // eye_pattern
	TimeoutSeconds float64      // wait_for_event override; 0 means use the executor default

	status StepStatus
}

// Status returns the step's current state-machine position.
func (s *PlanStep) Status() StepStatus { return s.status }

// Plan is an ordered list of PlanSteps submitted to one Layer (§3).
type Plan struct {
	ID             string
	Layer          Layer
	ConversationID string
	Steps          []*PlanStep
}

// NewPlan assigns a fresh plan_id (and, for any step missing one, a
// fresh step id) and returns a ready-to-submit Plan.
func NewPlan(layer Layer, conversationID string, steps []*PlanStep) *Plan {
	for _, st := range steps {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		st.status = StepPending
	}
	return &Plan{ID: uuid.NewString(), Layer: layer, ConversationID: conversationID, Steps: steps}
}

// WaitForEventConfig controls how long a wait_for_event step waits
// before it is marked failed (Open Question §D: configurable, with a
// per-step override).
type WaitForEventConfig struct {
	DefaultTimeout time.Duration
}

// DefaultWaitForEventConfig matches the design intent latency budgets
// in §4.5 with headroom for a stalled upstream provider.
var DefaultWaitForEventConfig = WaitForEventConfig{DefaultTimeout: 5 * time.Second}
