package music

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cantina-band.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	b := bus.New(nil)
	c := New(b, nil, dir)
	require.NoError(t, c.Start(context.Background(), c))
	t.Cleanup(func() { c.Stop(context.Background(), c) })
	return c, b
}

func TestScanTracksSkipsNonAudioFiles(t *testing.T) {
	c, _ := newTestCoordinator(t)
	tracks := c.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, "cantina-band", tracks[0].Title)
}

func TestPlayEmitsPlaybackStarted(t *testing.T) {
	c, b := newTestCoordinator(t)
	got := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicMusicPlaybackStarted, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	err = b.Emit(context.Background(), bus.TopicMusicCommand, map[string]any{
		"timestamp": time.Now(), "source": "test", "action": "play", "track_query": "cantina-band",
	})
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.Equal(t, "cantina-band", payload["title"])
	case <-time.After(time.Second):
		t.Fatal("MUSIC_PLAYBACK_STARTED not emitted")
	}
	assert.Equal(t, Playing, c.State())
}

func TestPauseThenResumePreservesPosition(t *testing.T) {
	c, b := newTestCoordinator(t)
	require.NoError(t, b.Emit(context.Background(), bus.TopicMusicCommand, map[string]any{
		"timestamp": time.Now(), "source": "test", "action": "play", "track_query": "cantina-band",
	}))
	time.Sleep(20 * time.Millisecond)

	got := make(chan map[string]any, 1)
	_, err := b.SubscribeSync(bus.TopicMusicPlaybackPaused, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), bus.TopicMusicCommand, map[string]any{
		"timestamp": time.Now(), "source": "test", "action": "pause",
	}))

	var pausedPos float64
	select {
	case payload := <-got:
		pos, ok := payload["position_seconds"].(float64)
		require.True(t, ok)
		assert.Greater(t, pos, 0.0)
		pausedPos = pos
	case <-time.After(time.Second):
		t.Fatal("MUSIC_PLAYBACK_PAUSED not emitted")
	}
	assert.Equal(t, Paused, c.State())

	resumed := make(chan map[string]any, 1)
	_, err = b.SubscribeSync(bus.TopicMusicPlaybackResumed, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		resumed <- payload
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), bus.TopicMusicCommand, map[string]any{
		"timestamp": time.Now(), "source": "test", "action": "resume",
	}))

	select {
	case payload := <-resumed:
		assert.Equal(t, pausedPos, payload["position_seconds"])
	case <-time.After(time.Second):
		t.Fatal("MUSIC_PLAYBACK_RESUMED not emitted")
	}
	assert.Equal(t, Playing, c.State())
}

func TestDuckingStackBalances(t *testing.T) {
	c, b := newTestCoordinator(t)
	require.NoError(t, b.Emit(context.Background(), bus.TopicAudioDuckingStart, map[string]any{"timestamp": time.Now(), "source": "test"}))
	require.NoError(t, b.Emit(context.Background(), bus.TopicAudioDuckingStart, map[string]any{"timestamp": time.Now(), "source": "test"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, c.DuckCount())
	assert.Equal(t, 100*DefaultDuckRatio, c.Volume(100))

	require.NoError(t, b.Emit(context.Background(), bus.TopicAudioDuckingStop, map[string]any{"timestamp": time.Now(), "source": "test"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.DuckCount())
}

func TestDuckingStopClampsAtZero(t *testing.T) {
	c, b := newTestCoordinator(t)
	require.NoError(t, b.Emit(context.Background(), bus.TopicAudioDuckingStop, map[string]any{"timestamp": time.Now(), "source": "test"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.DuckCount())
	assert.Equal(t, 100.0, c.Volume(100))
}

func TestStopWhenNotPlayingIsNoop(t *testing.T) {
	c, b := newTestCoordinator(t)
	err := b.Emit(context.Background(), bus.TopicMusicCommand, map[string]any{
		"timestamp": time.Now(), "source": "test", "action": "stop",
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Stopped, c.State())
}
