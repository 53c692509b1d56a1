package speech

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

func TestStartSessionRejectsOverlap(t *testing.T) {
	b := bus.New(nil)
	c := New(b, nil, nil, nil)
	require.NoError(t, c.Start(context.Background(), c))
	defer c.Stop(context.Background(), c)

	require.NoError(t, c.StartSession(context.Background(), "session-1"))
	err := c.StartSession(context.Background(), "session-2")
	require.Error(t, err)
	assert.Equal(t, "session-1", c.ActiveSession())
}

func TestStopSessionClearsActive(t *testing.T) {
	b := bus.New(nil)
	c := New(b, nil, nil, nil)
	require.NoError(t, c.Start(context.Background(), c))
	defer c.Stop(context.Background(), c)

	require.NoError(t, c.StartSession(context.Background(), "session-1"))
	require.NoError(t, c.StopSession(context.Background(), "session-1"))
	assert.Equal(t, "", c.ActiveSession())

	require.NoError(t, c.StartSession(context.Background(), "session-2"))
	assert.Equal(t, "session-2", c.ActiveSession())
}

func TestGenerateRequestEmitsSynthesisLifecycle(t *testing.T) {
	b := bus.New(nil)
	c := New(b, nil, nil, nil)
	require.NoError(t, c.Start(context.Background(), c))
	defer c.Stop(context.Background(), c)

	started := make(chan map[string]any, 1)
	ended := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicSpeechSynthesisStarted, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		started <- payload
		return nil
	})
	require.NoError(t, err)
	_, err = b.SubscribeSync(bus.TopicSpeechSynthesisEnded, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		ended <- payload
		return nil
	})
	require.NoError(t, err)

	err = b.Emit(context.Background(), bus.TopicTTSGenerateRequest, map[string]any{
		"timestamp": time.Now(), "source": "test", "request_id": "req-1", "text": "hello",
	})
	require.NoError(t, err)

	select {
	case payload := <-started:
		assert.Equal(t, "req-1", payload["request_id"])
	case <-time.After(time.Second):
		t.Fatal("SPEECH_SYNTHESIS_STARTED not emitted")
	}
	select {
	case payload := <-ended:
		assert.Equal(t, "req-1", payload["request_id"])
	case <-time.After(time.Second):
		t.Fatal("SPEECH_SYNTHESIS_ENDED not emitted")
	}
}
