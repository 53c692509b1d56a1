package mode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

type recordingEffects struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingEffects) record(name string) error {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
	return nil
}

func (r *recordingEffects) StartAmbientPlan(context.Context) error  { return r.record("start_ambient") }
func (r *recordingEffects) CancelAmbientPlan(context.Context) error { return r.record("cancel_ambient") }
func (r *recordingEffects) EnableMicCapture(context.Context) error  { return r.record("enable_mic") }
func (r *recordingEffects) DisableMicCapture(context.Context) error { return r.record("disable_mic") }
func (r *recordingEffects) DuckOff(context.Context) error           { return r.record("duck_off") }

func TestInitialModeIsIdle(t *testing.T) {
	m := New(bus.New(nil), nil, nil)
	assert.Equal(t, Idle, m.Current())
}

func TestIdleToAmbientStartsAmbientPlan(t *testing.T) {
	effects := &recordingEffects{}
	m := New(bus.New(nil), nil, effects)
	require.NoError(t, m.Transition(context.Background(), Ambient))
	assert.Equal(t, Ambient, m.Current())
	assert.Contains(t, effects.calls, "start_ambient")
}

func TestAmbientToInteractiveCancelsAmbientAndEnablesMic(t *testing.T) {
	effects := &recordingEffects{}
	m := New(bus.New(nil), nil, effects)
	require.NoError(t, m.Transition(context.Background(), Ambient))
	effects.calls = nil
	require.NoError(t, m.Transition(context.Background(), Interactive))
	assert.Equal(t, Interactive, m.Current())
	assert.Equal(t, []string{"cancel_ambient", "enable_mic"}, effects.calls)
}

func TestAnyToIdleCancelsAndDucksOff(t *testing.T) {
	effects := &recordingEffects{}
	m := New(bus.New(nil), nil, effects)
	require.NoError(t, m.Transition(context.Background(), Interactive))
	effects.calls = nil
	require.NoError(t, m.Transition(context.Background(), Idle))
	assert.Equal(t, Idle, m.Current())
	assert.Equal(t, []string{"cancel_ambient", "disable_mic", "duck_off"}, effects.calls)
}

func TestInvalidModeRejectedAndStatePreserved(t *testing.T) {
	m := New(bus.New(nil), nil, nil)
	err := m.Transition(context.Background(), Mode("SLEEPING"))
	require.Error(t, err)
	assert.Equal(t, Idle, m.Current())
}

func TestSameModeTransitionIsNoop(t *testing.T) {
	effects := &recordingEffects{}
	m := New(bus.New(nil), nil, effects)
	require.NoError(t, m.Transition(context.Background(), Idle))
	assert.Empty(t, effects.calls)
}

func TestTransitionEmitsModeChange(t *testing.T) {
	b := bus.New(nil)
	m := New(b, nil, nil)
	var got map[string]any
	var wg sync.WaitGroup
	wg.Add(1)
	_, err := b.SubscribeSync(bus.TopicSystemModeChange, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got = payload
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.Transition(context.Background(), Ambient))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SYSTEM_MODE_CHANGE not emitted")
	}
	assert.Equal(t, "IDLE", got["from"])
	assert.Equal(t, "AMBIENT", got["to"])
}

func TestSetModeRequestDrivesTransition(t *testing.T) {
	b := bus.New(nil)
	m := New(b, nil, nil)
	require.NoError(t, m.Start(context.Background(), m))
	defer m.Stop(context.Background(), m)

	err := b.Emit(context.Background(), bus.TopicSystemSetModeRequest, map[string]any{
		"timestamp": time.Now(), "source": "cli", "mode": "INTERACTIVE",
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Interactive, m.Current())
}
