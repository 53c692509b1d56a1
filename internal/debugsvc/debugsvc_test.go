package debugsvc

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
)

func newTestService(t *testing.T, out *bytes.Buffer) *Service {
	t.Helper()
	b := bus.New(nil)
	s := New(b, nil, out, 8)
	require.NoError(t, s.Start(context.Background(), s))
	t.Cleanup(func() { s.Stop(context.Background(), s) })
	return s
}

func TestLogRecordIsWrittenToOutput(t *testing.T) {
	var out bytes.Buffer
	s := newTestService(t, &out)

	err := s.Bus.Emit(context.Background(), bus.TopicDebugLogRecord, map[string]any{
		"component": "brain_service", "level": "info", "message": "hello",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("hello"))
	}, time.Second, 10*time.Millisecond)
}

func TestComponentLevelSuppressesBelowThreshold(t *testing.T) {
	var out bytes.Buffer
	s := newTestService(t, &out)
	s.SetComponentLevel("music_coordinator", slog.LevelWarn)

	err := s.Bus.Emit(context.Background(), bus.TopicDebugLogRecord, map[string]any{
		"component": "music_coordinator", "level": "info", "message": "should be suppressed",
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, out.String(), "should be suppressed")
}

func TestQueueOverflowDropsOldestAndCounts(t *testing.T) {
	var out bytes.Buffer
	b := bus.New(nil)
	s := New(b, nil, &out, 1)

	for i := 0; i < 5; i++ {
		s.enqueue(LogRecord{Component: "x", Level: slog.LevelInfo, Message: "m"})
	}
	assert.Greater(t, s.DroppedCount(), int64(0))
}

func TestRecordMetricRollingMinAvgMax(t *testing.T) {
	var out bytes.Buffer
	s := newTestService(t, &out)

	for _, v := range []float64{10, 20, 30} {
		s.RecordMetric("loop_latency_ms", v)
	}

	sample, ok := s.MetricReport("loop_latency_ms")
	require.True(t, ok)
	assert.Equal(t, 10.0, sample.Min)
	assert.Equal(t, 30.0, sample.Max)
	assert.Equal(t, 20.0, sample.Avg)
	assert.Equal(t, 3, sample.Count)
}

func TestMetricWindowIsBounded(t *testing.T) {
	var out bytes.Buffer
	s := newTestService(t, &out)
	s.metricWindow = 2

	s.RecordMetric("m", 1)
	s.RecordMetric("m", 2)
	s.RecordMetric("m", 3)

	sample, ok := s.MetricReport("m")
	require.True(t, ok)
	assert.Equal(t, 2, sample.Count)
	assert.Equal(t, 2.0, sample.Min)
	assert.Equal(t, 3.0, sample.Max)
}

func TestPublishPerformanceReportEmitsMetrics(t *testing.T) {
	var out bytes.Buffer
	s := newTestService(t, &out)
	s.RecordMetric("tick_ms", 5)

	got := make(chan map[string]any, 1)
	_, err := s.Bus.SubscribeSync(bus.TopicDebugPerformanceReport, "test", func(_ context.Context, _ bus.Topic, payload map[string]any) error {
		got <- payload
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.PublishPerformanceReport(context.Background()))

	select {
	case payload := <-got:
		metrics, ok := payload["metrics"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, metrics, "tick_ms")
	case <-time.After(time.Second):
		t.Fatal("performance report not emitted")
	}
}

func TestTraceToggle(t *testing.T) {
	var out bytes.Buffer
	s := newTestService(t, &out)

	assert.False(t, s.TraceEnabled())
	s.SetTrace(true)
	assert.True(t, s.TraceEnabled())
}
