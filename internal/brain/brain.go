// Package brain implements BrainService: the intent-to-command
// translator that forwards detected intents as commands, records them
// in memory, and composes a short track-introduction Plan when music
// starts playing for the intent it was asked to start (§4.5).
//
// The collaborator-interface shape (a small Client interface with a
// single blocking call, swappable for a real provider or a fake) is
// grounded on the teacher's internal/llm.Client, generalized from
// general-purpose chat completion to a narrow track-introduction
// request.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/memory"
	"github.com/makeorbreakshop/cantinaos/internal/service"
	"github.com/makeorbreakshop/cantinaos/internal/timeline"
)

// TrackIntroRequest carries what the LLM collaborator needs to
// compose a short spoken introduction for a track.
type TrackIntroRequest struct {
	Title  string
	Artist string
}

// LLMClient is the narrow contract BrainService needs from a language
// model collaborator: a single utterance, no further tool use (§4.5
// step 3). A real implementation lives outside this module's scope
// (§1 Non-goals); CantinaOS ships FakeLLMClient so the planner path is
// exercisable without one.
type LLMClient interface {
	GenerateTrackIntro(ctx context.Context, req TrackIntroRequest) (string, error)
}

// FakeLLMClient is a minimal in-memory LLMClient used when no real
// provider is configured.
type FakeLLMClient struct{}

func (FakeLLMClient) GenerateTrackIntro(_ context.Context, req TrackIntroRequest) (string, error) {
	if req.Artist == "" {
		return fmt.Sprintf("Now playing: %s.", req.Title), nil
	}
	return fmt.Sprintf("Now playing %s by %s.", req.Title, req.Artist), nil
}

// intentAction maps an intent name to the command action it triggers
// (§4.5 step 1, e.g. play_music -> MUSIC_COMMAND{action:play}).
var intentAction = map[string]string{
	"play_music": "play",
	"stop_music": "stop",
	"pause_music": "pause",
	"resume_music": "resume",
}

// inFlightIntent tracks the intent BrainService is waiting to hear a
// matching MUSIC_PLAYBACK_STARTED for, keyed by conversation_id.
type inFlightIntent struct {
	intentName string
	trackQuery string
}

// Brain is the BrainService.
type Brain struct {
	*service.Base

	memory *memory.Store
	llm    LLMClient

	mu       sync.Mutex
	inFlight map[string]inFlightIntent
}

// New constructs a Brain. llm may be nil, in which case FakeLLMClient
// is used.
func New(b *bus.Bus, logger *slog.Logger, mem *memory.Store, llm LLMClient) *Brain {
	if llm == nil {
		llm = FakeLLMClient{}
	}
	return &Brain{
		Base:     service.NewBase("brain_service", b, logger),
		memory:   mem,
		llm:      llm,
		inFlight: make(map[string]inFlightIntent),
	}
}

// OnStart subscribes to INTENT_DETECTED and MUSIC_PLAYBACK_STARTED.
func (br *Brain) OnStart(ctx context.Context) error {
	if _, err := br.Subscribe(bus.TopicIntentDetected, br.handleIntentDetected); err != nil {
		return err
	}
	if _, err := br.Subscribe(bus.TopicMusicPlaybackStarted, br.handlePlaybackStarted); err != nil {
		return err
	}
	return nil
}

// OnStop is a no-op; Base.Stop releases the tracked subscriptions.
func (br *Brain) OnStop(ctx context.Context) error { return nil }

func (br *Brain) handleIntentDetected(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	intentName, _ := payload["intent_name"].(string)
	conversationID, _ := payload["conversation_id"].(string)
	utterance, _ := payload["utterance"].(string)
	trackQuery, _ := payload["track_query"].(string)

	action, known := intentAction[intentName]
	if !known {
		br.Logger.Warn("intent has no registered command action", "intent", intentName)
	} else {
		if err := br.Emit(ctx, bus.TopicMusicCommand, map[string]any{
			"timestamp": time.Now(), "source": br.Name, "action": action, "track_query": trackQuery, "conversation_id": conversationID,
		}); err != nil {
			return err
		}
	}

	if conversationID != "" && action == "play" {
		br.mu.Lock()
		br.inFlight[conversationID] = inFlightIntent{intentName: intentName, trackQuery: trackQuery}
		br.mu.Unlock()
	}

	if br.memory != nil {
		if err := br.memory.Set(ctx, memory.SlotLastIntent, intentName); err != nil {
			return err
		}
		if utterance != "" {
			if err := br.memory.AppendChat(ctx, "user", utterance); err != nil {
				return err
			}
		}
	}
	return nil
}

func (br *Brain) handlePlaybackStarted(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	conversationID, _ := payload["conversation_id"].(string)
	if conversationID == "" {
		return nil
	}

	br.mu.Lock()
	_, matched := br.inFlight[conversationID]
	delete(br.inFlight, conversationID)
	br.mu.Unlock()
	if !matched {
		return nil
	}

	title, _ := payload["title"].(string)
	artist, _ := payload["artist"].(string)
	intro, err := br.llm.GenerateTrackIntro(ctx, TrackIntroRequest{Title: title, Artist: artist})
	if err != nil {
		br.Logger.Warn("track intro generation failed", "error", err)
		return nil
	}

	plan := timeline.NewPlan(timeline.LayerForeground, conversationID, []*timeline.PlanStep{
		{Type: timeline.StepSpeak, Text: intro},
	})
	return br.Emit(ctx, bus.TopicPlanReady, map[string]any{
		"timestamp": time.Now(), "source": br.Name, "plan_id": plan.ID, "layer": string(plan.Layer),
		"steps": plan.Steps, "plan": plan, "conversation_id": conversationID,
	})
}
