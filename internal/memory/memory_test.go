package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(bus.New(nil), nil, ":memory:", 3)
	require.NoError(t, err)
	t.Cleanup(func() { s.db.Close() })
	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set(context.Background(), SlotLastIntent, "play_music"))
	v, ok := s.Get(SlotLastIntent)
	assert.True(t, ok)
	assert.Equal(t, "play_music", v)
}

func TestGetMissingSlotReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get(SlotCurrentTrack)
	assert.False(t, ok)
}

func TestChatHistoryRingBounded(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendChat(context.Background(), "user", string(rune('a'+i))))
	}
	history := s.ChatHistory()
	assert.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Text)
	assert.Equal(t, "e", history[2].Text)
}

func TestSetEmitsMemoryUpdated(t *testing.T) {
	b := bus.New(nil)
	s, err := New(b, nil, ":memory:", 0)
	require.NoError(t, err)
	defer s.db.Close()

	got := make(chan map[string]any, 1)
	_, err = b.SubscribeSync(bus.TopicMemoryUpdated, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(context.Background(), SlotMode, "AMBIENT"))
	select {
	case payload := <-got:
		assert.Equal(t, "mode", payload["slot"])
	case <-time.After(time.Second):
		t.Fatal("MEMORY_UPDATED not emitted")
	}
}

func TestWaitForReturnsImmediatelyWhenAlreadyTrue(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set(context.Background(), SlotMode, "IDLE"))
	err := s.WaitFor(context.Background(), func(snap map[Slot]any) bool {
		return snap[SlotMode] == "IDLE"
	}, time.Second)
	assert.NoError(t, err)
}

func TestWaitForWakesOnSet(t *testing.T) {
	s := newTestStore(t)
	done := make(chan error, 1)
	go func() {
		done <- s.WaitFor(context.Background(), func(snap map[Slot]any) bool {
			return snap[SlotMode] == "INTERACTIVE"
		}, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Set(context.Background(), SlotMode, "INTERACTIVE"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not wake on Set")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	s := newTestStore(t)
	err := s.WaitFor(context.Background(), func(snap map[Slot]any) bool {
		return false
	}, 30*time.Millisecond)
	assert.Error(t, err)
}

func TestPersistenceSurvivesReload(t *testing.T) {
	b := bus.New(nil)
	s1, err := New(b, nil, "file:memtest?mode=memory&cache=shared", 5)
	require.NoError(t, err)
	require.NoError(t, s1.Set(context.Background(), SlotLastIntent, "stop_music"))

	s2, err := New(b, nil, "file:memtest?mode=memory&cache=shared", 5)
	require.NoError(t, err)
	defer s2.db.Close()
	defer s1.db.Close()

	v, ok := s2.Get(SlotLastIntent)
	assert.True(t, ok)
	assert.Equal(t, "stop_music", v)
}
