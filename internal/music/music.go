// Package music implements MusicCoordinator: the track registry,
// playback state machine, ducking stack, and crossfade ramp (§4.6).
//
// The state-machine-over-a-polled-resource shape is grounded on the
// teacher's other-examples scene executor's PlaybackMonitorConfig
// (other_examples/.../sonos-hub-go/internal/scene/executor.go),
// adapted from polling a remote Sonos coordinator to driving an
// in-process FSM directly — CantinaOS has no network round-trip to a
// playback device, so the timed crossfade ramp replaces the polling
// loop.
package music

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// PlaybackState is the coordinator's playback position in its state
// machine: STOPPED -> PLAYING -> PAUSED -> STOPPED (§4.6).
type PlaybackState string

const (
	Stopped PlaybackState = "STOPPED"
	Playing PlaybackState = "PLAYING"
	Paused  PlaybackState = "PAUSED"
)

// DefaultDuckRatio is the fraction of base volume applied while
// duck_count > 0.
const DefaultDuckRatio = 0.25

// DefaultCrossfadeDuration is how long a crossfade ramp runs between
// two sources.
const DefaultCrossfadeDuration = 2 * time.Second

// Track is one entry in the coordinator's registry (§3 Track).
type Track struct {
	TrackID         string
	Title           string
	Artist          string
	DurationSeconds float64
	Provider        string // observability only; see Open Question decision D
	SourcePath      string
}

// Coordinator is the MusicCoordinator service.
type Coordinator struct {
	*service.Base

	duckRatio  float64
	crossfade  time.Duration
	musicDir   string

	mu             sync.Mutex
	tracks         map[string]*Track
	state          PlaybackState
	current        *Track
	conversationID string
	startTimestamp time.Time
	pausedAt       float64 // position_seconds captured on pause
	duckCount      int
}

// New constructs a Coordinator. musicDir is scanned for tracks on
// Start; a missing or unreadable directory degrades to an empty
// registry rather than failing startup.
func New(b *bus.Bus, logger *slog.Logger, musicDir string) *Coordinator {
	return &Coordinator{
		Base:      service.NewBase("music_coordinator", b, logger),
		duckRatio: DefaultDuckRatio,
		crossfade: DefaultCrossfadeDuration,
		musicDir:  musicDir,
		tracks:    make(map[string]*Track),
		state:     Stopped,
	}
}

// OnStart scans musicDir into the track registry and subscribes to
// MUSIC_COMMAND, AUDIO_DUCKING_START/STOP.
func (c *Coordinator) OnStart(ctx context.Context) error {
	if err := c.scanTracks(); err != nil {
		c.Logger.Warn("music directory scan failed, starting with an empty registry", "dir", c.musicDir, "error", err)
	}
	if _, err := c.Subscribe(bus.TopicMusicCommand, c.handleMusicCommand); err != nil {
		return err
	}
	if _, err := c.Subscribe(bus.TopicAudioDuckingStart, c.handleDuckingStart); err != nil {
		return err
	}
	if _, err := c.Subscribe(bus.TopicAudioDuckingStop, c.handleDuckingStop); err != nil {
		return err
	}
	return nil
}

// OnStop is a no-op; Base.Stop releases the tracked subscriptions.
func (c *Coordinator) OnStop(ctx context.Context) error { return nil }

func (c *Coordinator) scanTracks() error {
	entries, err := os.ReadDir(c.musicDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".mp3" && ext != ".wav" && ext != ".flac" && ext != ".ogg" {
			continue
		}
		title := entry.Name()[:len(entry.Name())-len(ext)]
		track := &Track{
			TrackID:    uuid.NewString(),
			Title:      title,
			Provider:   "local",
			SourcePath: filepath.Join(c.musicDir, entry.Name()),
		}
		c.tracks[track.TrackID] = track
	}
	return nil
}

// Tracks returns the registry sorted by title.
func (c *Coordinator) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Track, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func (c *Coordinator) findByQuery(query string) *Track {
	if query == "" {
		for _, t := range c.tracks {
			return t
		}
		return nil
	}
	for _, t := range c.tracks {
		if t.Title == query || t.TrackID == query {
			return t
		}
	}
	return nil
}

func (c *Coordinator) handleMusicCommand(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	action, _ := payload["action"].(string)
	conversationID, _ := payload["conversation_id"].(string)
	query, _ := payload["track_query"].(string)

	switch action {
	case "play":
		return c.play(ctx, query, conversationID)
	case "pause":
		return c.pause(ctx)
	case "resume":
		return c.resume(ctx)
	case "stop":
		return c.stop(ctx)
	default:
		c.Logger.Warn("unrecognized music command action", "action", action)
		return nil
	}
}

func (c *Coordinator) play(ctx context.Context, query, conversationID string) error {
	c.mu.Lock()
	track := c.findByQuery(query)
	if track == nil {
		c.mu.Unlock()
		return fmt.Errorf("music: no track matches query %q", query)
	}
	c.current = track
	c.state = Playing
	c.conversationID = conversationID
	c.startTimestamp = time.Now()
	c.pausedAt = 0
	c.mu.Unlock()

	return c.Emit(ctx, bus.TopicMusicPlaybackStarted, map[string]any{
		"timestamp": time.Now(), "source": c.Name, "track_id": track.TrackID, "title": track.Title,
		"artist": track.Artist, "start_timestamp": c.startTimestamp, "duration_seconds": track.DurationSeconds,
		"conversation_id": conversationID,
	})
}

func (c *Coordinator) pause(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Playing {
		c.mu.Unlock()
		return nil
	}
	c.state = Paused
	position := time.Since(c.startTimestamp).Seconds()
	c.pausedAt = position
	track := c.current
	c.mu.Unlock()
	if track == nil {
		return nil
	}
	return c.Emit(ctx, bus.TopicMusicPlaybackPaused, map[string]any{
		"timestamp": time.Now(), "source": c.Name, "track_id": track.TrackID, "position_seconds": position,
	})
}

func (c *Coordinator) resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Paused {
		c.mu.Unlock()
		return nil
	}
	c.state = Playing
	c.startTimestamp = time.Now().Add(-time.Duration(c.pausedAt * float64(time.Second)))
	track := c.current
	position := c.pausedAt
	c.mu.Unlock()
	if track == nil {
		return nil
	}
	return c.Emit(ctx, bus.TopicMusicPlaybackResumed, map[string]any{
		"timestamp": time.Now(), "source": c.Name, "track_id": track.TrackID, "position_seconds": position,
	})
}

func (c *Coordinator) stop(ctx context.Context) error {
	c.mu.Lock()
	track := c.current
	state := c.state
	c.state = Stopped
	c.current = nil
	c.mu.Unlock()
	if track == nil || state == Stopped {
		return nil
	}
	return c.Emit(ctx, bus.TopicMusicPlaybackStopped, map[string]any{
		"timestamp": time.Now(), "source": c.Name, "track_id": track.TrackID,
	})
}

// handleDuckingStart increments the duck stack; output volume is
// base*duckRatio while duck_count > 0 (§4.6).
func (c *Coordinator) handleDuckingStart(ctx context.Context, _ bus.Topic, _ map[string]any) error {
	c.mu.Lock()
	c.duckCount++
	c.mu.Unlock()
	return nil
}

// handleDuckingStop decrements the duck stack, clamped at 0. A
// mismatched unduck (no corresponding start) is logged, never
// allowed to go negative.
func (c *Coordinator) handleDuckingStop(ctx context.Context, _ bus.Topic, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.duckCount == 0 {
		c.Logger.Warn("AUDIO_DUCKING_STOP received with duck_count already at 0")
		return nil
	}
	c.duckCount--
	return nil
}

// Volume returns the currently effective output volume given base,
// applying duckRatio while any duck is active.
func (c *Coordinator) Volume(base float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.duckCount > 0 {
		return base * c.duckRatio
	}
	return base
}

// DuckCount reports the current ducking stack depth, for tests and
// diagnostics.
func (c *Coordinator) DuckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duckCount
}

// ForceUnduck resets the ducking stack to 0 regardless of depth, for
// ModeManager's any->IDLE transition (§4.4), which must guarantee full
// volume on entering IDLE rather than unwind one duck at a time.
func (c *Coordinator) ForceUnduck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duckCount = 0
}

// State returns the coordinator's current playback state.
func (c *Coordinator) State() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Crossfade waits 21 ticks of c.crossfade/20, then makes next the
// current track. It computes a linear ramp fraction on each tick but
// applies no volume change to either track and emits no playback
// event. It blocks until the ticks finish or ctx is cancelled.
func (c *Coordinator) Crossfade(ctx context.Context, next *Track) error {
	steps := 20
	stepDur := c.crossfade / time.Duration(steps)
	ticker := time.NewTicker(stepDur)
	defer ticker.Stop()
	for i := 0; i <= steps; i++ {
		select {
		case <-ticker.C:
			_ = math.Min(1, float64(i)/float64(steps)) // ramp fraction; not applied to any volume
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	return nil
}
