// Package eyes implements EyeController: the service owning the LED
// eye-light hardware's serial port. Concrete serial/LED firmware is an
// out-of-scope external collaborator (spec §1) — this package owns
// only the pattern/test/status contract plus a single-writer
// serialization discipline, behind a narrow Writer interface, the same
// shape speech.ASRProvider/TTSProvider use for their collaborators.
package eyes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// Writer sends a pattern command to the LED hardware. A real
// implementation serializes writes to a serial port; MockWriter
// satisfies this without touching hardware (§6 MOCK_LED_CONTROLLER).
type Writer interface {
	Write(ctx context.Context, pattern string) error
}

// MockWriter records the last pattern written without touching any
// hardware. Used when MOCK_LED_CONTROLLER is set or no serial port is
// configured.
type MockWriter struct {
	mu   sync.Mutex
	last string
}

// Write records pattern as the last command sent.
func (w *MockWriter) Write(_ context.Context, pattern string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = pattern
	return nil
}

// LastPattern returns the most recent pattern written.
func (w *MockWriter) LastPattern() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Controller is the EyeController service.
type Controller struct {
	*service.Base

	writer Writer

	mu             sync.Mutex
	currentPattern string
	lastTestAt     time.Time
}

// New constructs a Controller. A nil writer defaults to MockWriter.
func New(b *bus.Bus, logger *slog.Logger, writer Writer) *Controller {
	if writer == nil {
		writer = &MockWriter{}
	}
	return &Controller{
		Base:           service.NewBase("eye_controller", b, logger),
		writer:         writer,
		currentPattern: "idle",
	}
}

// OnStart subscribes to eye commands.
func (c *Controller) OnStart(ctx context.Context) error {
	_, err := c.Subscribe(bus.TopicEyeCommand, c.handleCommand)
	return err
}

// OnStop is a no-op; Base.Stop releases the tracked subscription.
func (c *Controller) OnStop(ctx context.Context) error { return nil }

func (c *Controller) handleCommand(ctx context.Context, _ bus.Topic, payload map[string]any) error {
	action, _ := payload["action"].(string)
	switch action {
	case "pattern":
		pattern, _ := payload["pattern"].(string)
		return c.SetPattern(ctx, pattern)
	case "test":
		return c.Test(ctx)
	case "status":
		return c.PublishStatus(ctx)
	default:
		c.Logger.Warn("unknown eye command action", "action", action)
		return nil
	}
}

// SetPattern writes pattern through the serializing writer and emits
// EYE_STATUS.
func (c *Controller) SetPattern(ctx context.Context, pattern string) error {
	if pattern == "" {
		return fmt.Errorf("eyes: pattern must not be empty")
	}
	if err := c.writer.Write(ctx, pattern); err != nil {
		c.EmitError(ctx, "collaborator", fmt.Sprintf("led write failed: %v", err))
		return err
	}
	c.mu.Lock()
	c.currentPattern = pattern
	c.mu.Unlock()
	return c.PublishStatus(ctx)
}

// Test cycles a short diagnostic pattern, then restores whatever
// pattern was active before the test.
func (c *Controller) Test(ctx context.Context) error {
	c.mu.Lock()
	previous := c.currentPattern
	c.mu.Unlock()

	if err := c.writer.Write(ctx, "test"); err != nil {
		c.EmitError(ctx, "collaborator", fmt.Sprintf("led test write failed: %v", err))
		return err
	}
	c.mu.Lock()
	c.lastTestAt = time.Now()
	c.mu.Unlock()

	if err := c.writer.Write(ctx, previous); err != nil {
		return err
	}
	return c.PublishStatus(ctx)
}

// PublishStatus emits EYE_STATUS with the current pattern.
func (c *Controller) PublishStatus(ctx context.Context) error {
	c.mu.Lock()
	pattern := c.currentPattern
	lastTest := c.lastTestAt
	c.mu.Unlock()

	payload := map[string]any{
		"timestamp": time.Now(), "source": c.Name, "pattern": pattern,
	}
	if !lastTest.IsZero() {
		payload["last_test_at"] = lastTest
	}
	return c.Emit(ctx, bus.TopicEyeStatus, payload)
}

// CurrentPattern returns the active pattern.
func (c *Controller) CurrentPattern() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPattern
}
