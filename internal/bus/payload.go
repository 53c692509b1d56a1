package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Meta carries the fields every payload must have per the data model:
// a monotonic-comparable timestamp and the emitting service's name.
// Dialog-scoped payloads additionally set ConversationID.
type Meta struct {
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// NewMeta returns a Meta stamped with the current time for source.
func NewMeta(source string) Meta {
	return Meta{Timestamp: time.Now(), Source: source}
}

// descriptor describes the minimal shape Emit checks for a topic before
// handing the dict view to subscribers. Validation failures fall back
// to the raw dict view rather than rejecting the emit (§4.1).
type descriptor struct {
	required []string
}

// registry is the central payload schema registry, keyed by topic.
type registry struct {
	descriptors map[Topic]descriptor
}

func newRegistry() *registry {
	r := &registry{descriptors: make(map[Topic]descriptor)}
	for topic := range knownTopics {
		r.descriptors[topic] = descriptor{required: []string{"timestamp", "source"}}
	}
	// A handful of topics carry additional required fields beyond the
	// base Meta shape; everything else only requires timestamp+source.
	r.require(TopicCLICommand, "command")
	r.require(TopicSystemSetModeRequest, "mode")
	r.require(TopicSystemModeChange, "from", "to")
	r.require(TopicIntentDetected, "intent_name")
	r.require(TopicMusicCommand, "action")
	r.require(TopicEyeCommand, "action")
	r.require(TopicPlanReady, "plan_id", "layer", "steps")
	r.require(TopicServiceStatusUpdate, "status")
	r.require(TopicServiceError, "kind", "message")
	return r
}

func (r *registry) require(topic Topic, fields ...string) {
	d := r.descriptors[topic]
	d.required = append(append([]string{}, d.required...), fields...)
	r.descriptors[topic] = d
}

// validate converts payload to a dict view and checks required fields
// for topic. It always returns a usable dict view: on schema mismatch
// it returns the raw dict plus ok=false so the caller can log a
// warning and still deliver the dict to subscribers (the emit-time
// fallback path described in §3 and §4.1).
func (r *registry) validate(topic Topic, payload any) (dict map[string]any, ok bool, err error) {
	dict, err = toDict(payload)
	if err != nil {
		return nil, false, err
	}
	d, known := r.descriptors[topic]
	if !known {
		return dict, false, nil
	}
	for _, field := range d.required {
		if _, present := dict[field]; !present {
			return dict, false, nil
		}
	}
	return dict, true, nil
}

// toDict converts any typed payload (or an existing map) into a
// dict-shaped view. Typed payloads round-trip through JSON, matching
// the teacher's "wire format conversion happens at provider
// boundaries" discipline (internal/llm/types.go) applied here to
// bus boundaries instead of LLM-provider boundaries.
func toDict(payload any) (map[string]any, error) {
	if m, isMap := payload.(map[string]any); isMap {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal payload: %w", err)
	}
	var dict map[string]any
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, fmt.Errorf("bus: payload is not dict-shaped: %w", err)
	}
	return dict, nil
}
