package brain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/memory"
	"github.com/makeorbreakshop/cantinaos/internal/timeline"
)

func newTestBrain(t *testing.T, b *bus.Bus, llm LLMClient) (*Brain, *memory.Store) {
	t.Helper()
	mem, err := memory.New(b, nil, ":memory:", 5)
	require.NoError(t, err)
	t.Cleanup(func() { mem.OnStop(context.Background()) })
	br := New(b, nil, mem, llm)
	return br, mem
}

func TestIntentDetectedForwardsMusicCommand(t *testing.T) {
	b := bus.New(nil)
	br, _ := newTestBrain(t, b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)

	got := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicMusicCommand, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	err = b.Emit(context.Background(), bus.TopicIntentDetected, map[string]any{
		"timestamp": time.Now(), "source": "speech", "intent_name": "play_music", "track_query": "funky", "conversation_id": "conv-1",
	})
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.Equal(t, "play", payload["action"])
		assert.Equal(t, "funky", payload["track_query"])
	case <-time.After(time.Second):
		t.Fatal("MUSIC_COMMAND not forwarded")
	}
}

func TestIntentDetectedRecordsMemory(t *testing.T) {
	b := bus.New(nil)
	br, mem := newTestBrain(t, b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)

	err := b.Emit(context.Background(), bus.TopicIntentDetected, map[string]any{
		"timestamp": time.Now(), "source": "speech", "intent_name": "play_music", "utterance": "play some funky music", "conversation_id": "conv-1",
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	v, ok := mem.Get(memory.SlotLastIntent)
	require.True(t, ok)
	assert.Equal(t, "play_music", v)
	history := mem.ChatHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "play some funky music", history[0].Text)
}

type stubLLM struct{ intro string }

func (s stubLLM) GenerateTrackIntro(context.Context, TrackIntroRequest) (string, error) {
	return s.intro, nil
}

func TestPlaybackStartedForMatchingIntentProducesPlanReady(t *testing.T) {
	b := bus.New(nil)
	br, _ := newTestBrain(t, b, stubLLM{intro: "Now playing Cantina Band."})
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)

	err := b.Emit(context.Background(), bus.TopicIntentDetected, map[string]any{
		"timestamp": time.Now(), "source": "speech", "intent_name": "play_music", "conversation_id": "conv-1",
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	got := make(chan map[string]any, 1)
	_, err = b.SubscribeSync(bus.TopicPlanReady, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	err = b.Emit(context.Background(), bus.TopicMusicPlaybackStarted, map[string]any{
		"timestamp": time.Now(), "source": "music", "title": "Cantina Band", "conversation_id": "conv-1",
	})
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.Equal(t, string(timeline.LayerForeground), payload["layer"])
		plan, ok := payload["plan"].(*timeline.Plan)
		require.True(t, ok)
		require.Len(t, plan.Steps, 1)
		assert.Equal(t, timeline.StepSpeak, plan.Steps[0].Type)
		assert.Equal(t, "Now playing Cantina Band.", plan.Steps[0].Text)
	case <-time.After(time.Second):
		t.Fatal("PLAN_READY not emitted")
	}
}

func TestPlaybackStartedWithoutMatchingIntentIsIgnored(t *testing.T) {
	b := bus.New(nil)
	br, _ := newTestBrain(t, b, nil)
	require.NoError(t, br.Start(context.Background(), br))
	defer br.Stop(context.Background(), br)

	got := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicPlanReady, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	err = b.Emit(context.Background(), bus.TopicMusicPlaybackStarted, map[string]any{
		"timestamp": time.Now(), "source": "music", "title": "Unrelated", "conversation_id": "never-requested",
	})
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("PLAN_READY emitted for an unmatched conversation")
	case <-time.After(100 * time.Millisecond):
	}
}
