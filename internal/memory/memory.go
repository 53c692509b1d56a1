// Package memory implements MemoryStore: a typed key/value slot store
// plus a bounded chat-history ring, single-writer per key, with a
// waitable predicate and SQLite-backed durability.
//
// The persistence shape (one table, upsert via ON CONFLICT DO UPDATE,
// RFC3339Nano timestamps, Get returning a zero value rather than an
// error for a missing row) is grounded directly on the teacher's
// internal/memory.WorkingMemoryStore, generalized from one
// free-text-per-conversation slot to a small fixed set of typed slots
// plus a bounded ring buffer.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"

	_ "modernc.org/sqlite"
)

// Slot names the typed memory keys CantinaOS tracks (§3 Memory).
type Slot string

const (
	SlotMode         Slot = "mode"
	SlotMusicPlaying Slot = "music_playing"
	SlotCurrentTrack Slot = "current_track"
	SlotLastIntent   Slot = "last_intent"
)

// DefaultChatHistoryLimit is the bounded ring's default capacity.
const DefaultChatHistoryLimit = 10

// ChatMessage is one entry in the chat-history ring.
type ChatMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Predicate inspects a memory snapshot and reports whether the
// condition WaitFor is waiting on has become true.
type Predicate func(snapshot map[Slot]any) bool

// Store is the MemoryStore service: single-writer per key, readers
// never block writers (§9 "last-write-wins with monotonic
// timestamps").
type Store struct {
	*service.Base

	db               *sql.DB
	chatHistoryLimit int

	mu      sync.RWMutex
	slots   map[Slot]any
	history []ChatMessage

	waitMu sync.Mutex
	waiter []*waitEntry
}

type waitEntry struct {
	predicate Predicate
	notify    chan struct{}
}

// New opens (or creates) the memory store's SQLite-backed table at
// dbPath and returns a ready-to-start Store. dbPath may be ":memory:"
// for an ephemeral store, e.g. in tests.
func New(b *bus.Bus, logger *slog.Logger, dbPath string, chatHistoryLimit int) (*Store, error) {
	if chatHistoryLimit <= 0 {
		chatHistoryLimit = DefaultChatHistoryLimit
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open db: %w", err)
	}
	s := &Store{
		Base:             service.NewBase("memory_store", b, logger),
		db:               db,
		chatHistoryLimit: chatHistoryLimit,
		slots:            make(map[Slot]any),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_slots (
			slot       TEXT NOT NULL PRIMARY KEY,
			value_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("memory: migrate slots: %w", err)
	}
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_history (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			role      TEXT NOT NULL,
			text      TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("memory: migrate chat_history: %w", err)
	}
	return nil
}

// load populates the in-memory cache from the durable tables at
// startup, so readers never touch the database on the hot path.
func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT slot, value_json FROM memory_slots`)
	if err != nil {
		return fmt.Errorf("memory: load slots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var slot, valueJSON string
		if err := rows.Scan(&slot, &valueJSON); err != nil {
			return fmt.Errorf("memory: scan slot: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
			return fmt.Errorf("memory: decode slot %q: %w", slot, err)
		}
		s.slots[Slot(slot)] = v
	}

	hrows, err := s.db.Query(`SELECT role, text, timestamp FROM chat_history ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("memory: load chat_history: %w", err)
	}
	defer hrows.Close()
	for hrows.Next() {
		var msg ChatMessage
		var ts string
		if err := hrows.Scan(&msg.Role, &msg.Text, &ts); err != nil {
			return fmt.Errorf("memory: scan chat_history: %w", err)
		}
		msg.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		s.history = append(s.history, msg)
	}
	if len(s.history) > s.chatHistoryLimit {
		s.history = s.history[len(s.history)-s.chatHistoryLimit:]
	}
	return nil
}

// Get returns the current value of slot and whether it has ever been
// set.
func (s *Store) Get(slot Slot) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[slot]
	return v, ok
}

// ChatHistory returns a copy of the bounded chat-history ring, oldest
// first.
func (s *Store) ChatHistory() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot returns a copy of every tracked slot, for use by WaitFor
// predicates.
func (s *Store) Snapshot() map[Slot]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Slot]any, len(s.slots))
	for k, v := range s.slots {
		out[k] = v
	}
	return out
}

// Set writes slot = value, persists it, emits MEMORY_UPDATED, and
// wakes any WaitFor callers whose predicate now holds.
func (s *Store) Set(ctx context.Context, slot Slot, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: encode slot %q: %w", slot, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_slots (slot, value_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`, string(slot), string(valueJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("memory: set slot %q: %w", slot, err)
	}

	s.mu.Lock()
	s.slots[slot] = value
	s.mu.Unlock()

	s.wake()
	return s.Emit(ctx, bus.TopicMemoryUpdated, map[string]any{
		"timestamp": now,
		"source":    s.Name,
		"slot":      string(slot),
	})
}

// AppendChat appends a message to the bounded chat-history ring,
// evicting the oldest entry past chatHistoryLimit, persists it, and
// emits MEMORY_UPDATED.
func (s *Store) AppendChat(ctx context.Context, role, text string) error {
	msg := ChatMessage{Role: role, Text: text, Timestamp: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_history (role, text, timestamp) VALUES (?, ?, ?)
	`, msg.Role, msg.Text, msg.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("memory: append chat: %w", err)
	}

	s.mu.Lock()
	s.history = append(s.history, msg)
	if len(s.history) > s.chatHistoryLimit {
		s.history = s.history[len(s.history)-s.chatHistoryLimit:]
	}
	s.mu.Unlock()

	s.wake()
	return s.Emit(ctx, bus.TopicMemoryUpdated, map[string]any{
		"timestamp": msg.Timestamp,
		"source":    s.Name,
		"slot":      "chat_history",
	})
}

// WaitFor blocks until predicate holds against the current snapshot,
// ctx is cancelled, or timeout elapses, whichever comes first.
func (s *Store) WaitFor(ctx context.Context, predicate Predicate, timeout time.Duration) error {
	if predicate(s.Snapshot()) {
		return nil
	}

	entry := &waitEntry{predicate: predicate, notify: make(chan struct{}, 1)}
	s.waitMu.Lock()
	s.waiter = append(s.waiter, entry)
	s.waitMu.Unlock()
	defer s.removeWaiter(entry)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-entry.notify:
			if predicate(s.Snapshot()) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("memory: wait_for timed out after %s", timeout)
		}
	}
}

func (s *Store) removeWaiter(target *waitEntry) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	kept := s.waiter[:0:0]
	for _, e := range s.waiter {
		if e != target {
			kept = append(kept, e)
		}
	}
	s.waiter = kept
}

func (s *Store) wake() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for _, e := range s.waiter {
		select {
		case e.notify <- struct{}{}:
		default:
		}
	}
}

// OnStart subscribes MemoryStore to the events that mutate its slots
// automatically: mode changes and track/playback transitions. Intent
// recording and chat appends come from explicit Brain calls, per §3.
func (s *Store) OnStart(ctx context.Context) error {
	if _, err := s.Subscribe(bus.TopicSystemModeChange, func(ctx context.Context, _ bus.Topic, payload map[string]any) error {
		to, _ := payload["to"].(string)
		return s.Set(ctx, SlotMode, to)
	}); err != nil {
		return err
	}
	if _, err := s.Subscribe(bus.TopicMusicPlaybackStarted, func(ctx context.Context, _ bus.Topic, payload map[string]any) error {
		if err := s.Set(ctx, SlotMusicPlaying, true); err != nil {
			return err
		}
		return s.Set(ctx, SlotCurrentTrack, payload["track_id"])
	}); err != nil {
		return err
	}
	if _, err := s.Subscribe(bus.TopicMusicPlaybackStopped, func(ctx context.Context, _ bus.Topic, _ map[string]any) error {
		return s.Set(ctx, SlotMusicPlaying, false)
	}); err != nil {
		return err
	}
	return nil
}

// OnStop closes the database handle after Base releases subscriptions.
func (s *Store) OnStop(ctx context.Context) error {
	return s.db.Close()
}
