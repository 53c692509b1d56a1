package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

type fakeImpl struct {
	startErr  error
	stopErr   error
	startedCh chan struct{}
	stopped   bool
}

func (f *fakeImpl) OnStart(ctx context.Context) error {
	if f.startedCh != nil {
		close(f.startedCh)
	}
	return f.startErr
}

func (f *fakeImpl) OnStop(ctx context.Context) error {
	f.stopped = true
	return f.stopErr
}

func TestStartTransitionsToRunning(t *testing.T) {
	b := bus.New(nil)
	base := NewBase("test-svc", b, nil)
	impl := &fakeImpl{}

	err := base.Start(context.Background(), impl)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, base.Status())
}

func TestStartFailureTransitionsToError(t *testing.T) {
	b := bus.New(nil)
	base := NewBase("test-svc", b, nil)
	impl := &fakeImpl{startErr: errors.New("boom")}

	err := base.Start(context.Background(), impl)
	require.Error(t, err)
	assert.Equal(t, StatusError, base.Status())
}

func TestStartIsReentrant(t *testing.T) {
	b := bus.New(nil)
	base := NewBase("test-svc", b, nil)
	impl := &fakeImpl{}
	require.NoError(t, base.Start(context.Background(), impl))

	impl2 := &fakeImpl{startedCh: make(chan struct{})}
	require.NoError(t, base.Start(context.Background(), impl2))
	select {
	case <-impl2.startedCh:
		t.Fatal("OnStart ran again on an already-running service")
	default:
	}
}

func TestStopUnsubscribesTrackedSubscriptions(t *testing.T) {
	b := bus.New(nil)
	base := NewBase("test-svc", b, nil)
	impl := &fakeImpl{}
	require.NoError(t, base.Start(context.Background(), impl))

	_, err := base.Subscribe(bus.TopicCLICommand, func(context.Context, bus.Topic, map[string]any) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount(bus.TopicCLICommand))

	base.Stop(context.Background(), impl)
	assert.Equal(t, 0, b.SubscriberCount(bus.TopicCLICommand))
	assert.Equal(t, StatusStopped, base.Status())
	assert.True(t, impl.stopped)
}

func TestStopRecoversPanickingOnStop(t *testing.T) {
	b := bus.New(nil)
	base := NewBase("test-svc", b, nil)
	impl := &fakeImpl{}
	require.NoError(t, base.Start(context.Background(), impl))

	panicky := panicOnStop{}
	assert.NotPanics(t, func() {
		base.Stop(context.Background(), panicky)
	})
	assert.Equal(t, StatusStopped, base.Status())
}

type panicOnStop struct{}

func (panicOnStop) OnStart(ctx context.Context) error { return nil }
func (panicOnStop) OnStop(ctx context.Context) error  { panic("kaboom") }

func TestStopIsIdempotent(t *testing.T) {
	b := bus.New(nil)
	base := NewBase("test-svc", b, nil)
	impl := &fakeImpl{}
	require.NoError(t, base.Start(context.Background(), impl))

	base.Stop(context.Background(), impl)
	base.Stop(context.Background(), impl)
	assert.Equal(t, StatusStopped, base.Status())
}
