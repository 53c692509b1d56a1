// Package debugsvc implements DebugService: a bounded async log sink,
// per-component log levels, toggleable command tracing, and rolling
// performance metric aggregation (§4.10).
//
// Log writing through a bounded channel with an overflow counter,
// drained by a single background goroutine doing non-blocking stdout
// writes, is grounded on the teacher's config.LevelTrace/
// ParseLogLevel/ReplaceLogLevelNames slog composition
// (internal/config/logging.go), extended here with the async queue
// §4.10 requires beyond what a synchronous slog.Handler gives you.
package debugsvc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/makeorbreakshop/cantinaos/internal/bus"
	"github.com/makeorbreakshop/cantinaos/internal/service"
)

// DefaultQueueSize is the bounded async log queue's default capacity
// (§4.10).
const DefaultQueueSize = 10_000

// DefaultMetricWindow bounds how many samples a performance metric
// keeps for its rolling min/avg/max.
const DefaultMetricWindow = 100

// LogRecord is one entry written through the async queue.
type LogRecord struct {
	Timestamp time.Time
	Component string
	Level     slog.Level
	Message   string
}

// MetricSample is one rolling-window performance observation.
type MetricSample struct {
	Min, Avg, Max float64
	Count         int
}

// Service is the DebugService.
type Service struct {
	*service.Base

	out         io.Writer
	queue       chan LogRecord
	dropped     atomic.Int64
	traceOn     atomic.Bool

	mu            sync.Mutex
	componentLvl  map[string]slog.Level
	defaultLevel  slog.Level
	metricWindows map[string][]float64
	metricWindow  int

	done chan struct{}
}

// New constructs a Service writing drained log records to out.
func New(b *bus.Bus, logger *slog.Logger, out io.Writer, queueSize int) *Service {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Service{
		Base:          service.NewBase("debug_service", b, logger),
		out:           out,
		queue:         make(chan LogRecord, queueSize),
		componentLvl:  make(map[string]slog.Level),
		defaultLevel:  slog.LevelInfo,
		metricWindows: make(map[string][]float64),
		metricWindow:  DefaultMetricWindow,
		done:          make(chan struct{}),
	}
}

// OnStart subscribes to DEBUG_LOG_RECORD and starts the drain loop.
func (s *Service) OnStart(ctx context.Context) error {
	if _, err := s.Subscribe(bus.TopicDebugLogRecord, s.handleLogRecord); err != nil {
		return err
	}
	go s.drain()
	return nil
}

// OnStop signals the drain loop, which writes out the records still
// queued and then exits. OnStop returns at once and does not wait for
// that final drain.
func (s *Service) OnStop(ctx context.Context) error {
	close(s.done)
	return nil
}

func (s *Service) handleLogRecord(_ context.Context, _ bus.Topic, payload map[string]any) error {
	component, _ := payload["component"].(string)
	message, _ := payload["message"].(string)
	levelName, _ := payload["level"].(string)
	level := s.parseLevel(levelName)

	if !s.shouldLog(component, level) {
		return nil
	}
	s.enqueue(LogRecord{Timestamp: time.Now(), Component: component, Level: level, Message: message})
	return nil
}

func (s *Service) parseLevel(name string) slog.Level {
	switch name {
	case "trace", "TRACE":
		return slog.LevelDebug - 4
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetComponentLevel overrides the minimum log level for component.
func (s *Service) SetComponentLevel(component string, level slog.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.componentLvl[component] = level
}

func (s *Service) shouldLog(component string, level slog.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	min, ok := s.componentLvl[component]
	if !ok {
		min = s.defaultLevel
	}
	return level >= min
}

// enqueue writes record to the async queue without blocking; when the
// queue is full the oldest entry is dropped and the overflow counter
// increments (§4.10).
func (s *Service) enqueue(record LogRecord) {
	select {
	case s.queue <- record:
	default:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- record:
		default:
		}
		s.dropped.Add(1)
	}
}

// DroppedCount returns how many log records have been dropped for
// queue overflow since startup.
func (s *Service) DroppedCount() int64 {
	return s.dropped.Load()
}

// drain writes queued records to s.out. Writes are attempted
// non-blockingly; a write that would block the drain loop for too
// long logs a warning and moves on rather than stalling the queue
// (§4.10's "avoid the well-known blocking-write failure mode").
func (s *Service) drain() {
	for {
		select {
		case record := <-s.queue:
			s.writeRecord(record)
		case <-s.done:
			for {
				select {
				case record := <-s.queue:
					s.writeRecord(record)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) writeRecord(record LogRecord) {
	line := fmt.Sprintf("%s [%s] %s: %s\n", record.Timestamp.Format(time.RFC3339), record.Level, record.Component, record.Message)
	written := make(chan struct{}, 1)
	go func() {
		io.WriteString(s.out, line)
		written <- struct{}{}
	}()
	select {
	case <-written:
	case <-time.After(50 * time.Millisecond):
		s.Logger.Warn("slow debug log write, continuing without waiting")
	}
}

// SetTrace toggles command tracing on or off.
func (s *Service) SetTrace(enabled bool) {
	s.traceOn.Store(enabled)
}

// TraceEnabled reports whether command tracing is currently on.
func (s *Service) TraceEnabled() bool {
	return s.traceOn.Load()
}

// RecordMetric adds a sample to name's rolling window.
func (s *Service) RecordMetric(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := append(s.metricWindows[name], value)
	if len(window) > s.metricWindow {
		window = window[len(window)-s.metricWindow:]
	}
	s.metricWindows[name] = window
}

// MetricReport returns the current min/avg/max for name.
func (s *Service) MetricReport(name string) (MetricSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window, ok := s.metricWindows[name]
	if !ok || len(window) == 0 {
		return MetricSample{}, false
	}
	sample := MetricSample{Min: window[0], Max: window[0], Count: len(window)}
	var sum float64
	for _, v := range window {
		if v < sample.Min {
			sample.Min = v
		}
		if v > sample.Max {
			sample.Max = v
		}
		sum += v
	}
	sample.Avg = sum / float64(len(window))
	return sample, true
}

// PublishPerformanceReport emits DEBUG_PERFORMANCE_REPORT with every
// tracked metric's current rolling window, for WebBridge to relay.
func (s *Service) PublishPerformanceReport(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.metricWindows))
	for name := range s.metricWindows {
		names = append(names, name)
	}
	sort.Strings(names)
	report := make(map[string]any, len(names))
	for _, name := range names {
		sample, _ := s.metricReportLocked(name)
		report[name] = map[string]any{"min": sample.Min, "avg": sample.Avg, "max": sample.Max, "count": sample.Count}
	}
	s.mu.Unlock()

	return s.Emit(ctx, bus.TopicDebugPerformanceReport, map[string]any{
		"timestamp": time.Now(), "source": s.Name, "metrics": report,
	})
}

func (s *Service) metricReportLocked(name string) (MetricSample, bool) {
	window, ok := s.metricWindows[name]
	if !ok || len(window) == 0 {
		return MetricSample{}, false
	}
	sample := MetricSample{Min: window[0], Max: window[0], Count: len(window)}
	var sum float64
	for _, v := range window {
		if v < sample.Min {
			sample.Min = v
		}
		if v > sample.Max {
			sample.Max = v
		}
		sum += v
	}
	sample.Avg = sum / float64(len(window))
	return sample, true
}
