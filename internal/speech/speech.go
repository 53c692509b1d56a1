// Package speech implements SpeechCoordinator: the provider-neutral
// bridge between streaming ASR/TTS collaborators and the bus, with
// one-active-session enforcement (§4.7).
//
// The Client-interface-with-a-fake-implementation shape is grounded
// on the teacher's internal/llm.Client, the same pattern
// internal/brain reuses for its LLM collaborator: a narrow interface
// a real provider and a test double both satisfy.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// ASRProvider is the narrow contract a streaming speech-recognition
// collaborator must satisfy (§4.7). A real implementation lives
// outside this module's scope (§1 Non-goals).
type ASRProvider interface {
	Start(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
}

// TTSProvider is the narrow contract a speech-synthesis collaborator
// must satisfy (§4.7).
type TTSProvider interface {
	Synthesize(ctx context.Context, requestID, text, voiceID string) error
}

// ErrSessionAlreadyActive is returned (and reported as SERVICE_ERROR)
// when a capture session is requested while another is already
// running.
type ErrSessionAlreadyActive struct {
	ActiveSessionID     string
	RequestedSessionID string
}

func (e *ErrSessionAlreadyActive) Error() string {
	return fmt.Sprintf("speech: session %q already active, rejected %q", e.ActiveSessionID, e.RequestedSessionID)
}

// FakeASRProvider is an in-memory ASRProvider used when no real
// streaming ASR vendor is configured. It produces no transcripts on
// its own; tests drive transcription by emitting TRANSCRIPTION_*
// directly onto the bus.
type FakeASRProvider struct{}

func (FakeASRProvider) Start(context.Context, string) error { return nil }
func (FakeASRProvider) Stop(context.Context, string) error  { return nil }

// FakeTTSProvider is an in-memory TTSProvider that immediately reports
// synthesis as started and ended, with no audio actually produced.
type FakeTTSProvider struct {
	coordinator *Coordinator
}

func (f *FakeTTSProvider) Synthesize(ctx context.Context, requestID, text, voiceID string) error {
	if err := f.coordinator.Emit(ctx, bus.TopicSpeechSynthesisStarted, map[string]any{
		"timestamp": time.Now(), "source": f.coordinator.Name, "request_id": requestID,
	}); err != nil {
		return err
	}
	return f.coordinator.Emit(ctx, bus.TopicSpeechSynthesisEnded, map[string]any{
		"timestamp": time.Now(), "source": f.coordinator.Name, "request_id": requestID,
	})
}

// Coordinator is the SpeechCoordinator service.
type Coordinator struct {
	*service.Base

	asr ASRProvider
	tts TTSProvider

	mu            sync.Mutex
	activeSession string
}

// New constructs a Coordinator. asr/tts may be nil, in which case
// in-memory fakes are used so the runtime is exercisable without
// real vendors (§1 Non-goals, §C.5).
func New(b *bus.Bus, logger *slog.Logger, asr ASRProvider, tts TTSProvider) *Coordinator {
	c := &Coordinator{Base: service.NewBase("speech_coordinator", b, logger)}
	if asr == nil {
		asr = FakeASRProvider{}
	}
	if tts == nil {
		tts = &FakeTTSProvider{coordinator: c}
	}
	c.asr = asr
	c.tts = tts
	return c
}

// OnStart subscribes to TTS_GENERATE_REQUEST.
func (c *Coordinator) OnStart(ctx context.Context) error {
	_, err := c.Subscribe(bus.TopicTTSGenerateRequest, c.handleGenerateRequest)
	return err
}

// OnStop stops any still-active capture session.
func (c *Coordinator) OnStop(ctx context.Context) error {
	c.mu.Lock()
	session := c.activeSession
	c.activeSession = ""
	c.mu.Unlock()
	if session == "" {
		return nil
	}
	return c.asr.Stop(ctx, session)
}

// StartSession begins a streaming ASR capture session. Only one
// session may be active at a time; a second request is rejected with
// ErrSessionAlreadyActive and SERVICE_ERROR (§4.7).
func (c *Coordinator) StartSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.activeSession != "" {
		active := c.activeSession
		c.mu.Unlock()
		err := &ErrSessionAlreadyActive{ActiveSessionID: active, RequestedSessionID: sessionID}
		c.EmitError(ctx, "session_conflict", err.Error())
		return err
	}
	c.activeSession = sessionID
	c.mu.Unlock()

	if err := c.asr.Start(ctx, sessionID); err != nil {
		c.mu.Lock()
		c.activeSession = ""
		c.mu.Unlock()
		return err
	}
	return nil
}

// StopSession ends the named capture session, if it is the active
// one.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.activeSession != sessionID {
		c.mu.Unlock()
		return nil
	}
	c.activeSession = ""
	c.mu.Unlock()
	return c.asr.Stop(ctx, sessionID)
}

// ActiveSession returns the currently active capture session id, or
// "" if none.
func (c *Coordinator) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSession
}

func (c *Coordinator) handleGenerateRequest(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	requestID, _ := payload["request_id"].(string)
	text, _ := payload["text"].(string)
	voiceID, _ := payload["voice_id"].(string)
	return c.tts.Synthesize(ctx, requestID, text, voiceID)
}
