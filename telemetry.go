package kitfox

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

type taskSample struct {
	op    Operation
	size  int64
	mime  string
	start time.Time
}

// Telemetry records per-task duration and outcome.
type Telemetry struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	running   map[uuid.UUID]taskSample
	total     int
	succeeded int
	duration  time.Duration
	bytesIn   int64
	first     time.Time
	last      time.Time
}

// NewTelemetry returns an empty recorder. A nil logger discards.
func NewTelemetry(logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Telemetry{
		logger:  logger.With("component", "telemetry"),
		now:     time.Now,
		running: make(map[uuid.UUID]taskSample),
	}
}

// StartTask marks the beginning of a task attempt.
func (t *Telemetry) StartTask(id uuid.UUID, op Operation, size int64, mime string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if t.first.IsZero() {
		t.first = now
	}
	t.running[id] = taskSample{op: op, size: size, mime: mime, start: now}
}

// EndTask records the outcome of a task started with StartTask.
func (t *Telemetry) EndTask(id uuid.UUID, success bool, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	s, ok := t.running[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.running, id)
	now := t.now()
	d := now.Sub(s.start)
	t.total++
	if success {
		t.succeeded++
	}
	t.duration += d
	t.bytesIn += s.size
	t.last = now
	t.mu.Unlock()

	attrs := []any{
		"task", id,
		"operation", s.op,
		"format", s.mime,
		"size", s.size,
		"success", success,
		"duration_ms", d.Milliseconds(),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	t.logger.Debug("task completed", attrs...)
}

// TelemetryReport summarizes recorded tasks.
type TelemetryReport struct {
	TotalTasks      int
	SuccessRate     float64 // percent
	AverageDuration time.Duration
	// Throughput is input bytes per second between the first start and the
	// last completion.
	Throughput float64
	Running    int
}

func (r TelemetryReport) String() string {
	return fmt.Sprintf("%d tasks, %.1f%% ok, avg %s, %s/s",
		r.TotalTasks, r.SuccessRate, r.AverageDuration.Round(time.Millisecond),
		humanize.IBytes(uint64(r.Throughput)))
}

// Report returns aggregate figures.
func (t *Telemetry) Report() TelemetryReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := TelemetryReport{TotalTasks: t.total, Running: len(t.running)}
	if t.total == 0 {
		return r
	}
	r.SuccessRate = float64(t.succeeded) / float64(t.total) * 100
	r.AverageDuration = t.duration / time.Duration(t.total)
	if span := t.last.Sub(t.first).Seconds(); span > 0 {
		r.Throughput = float64(t.bytesIn) / span
	}
	return r
}

// Reset discards recorded tasks.
func (t *Telemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = make(map[uuid.UUID]taskSample)
	t.total, t.succeeded, t.duration, t.bytesIn = 0, 0, 0, 0
	t.first, t.last = time.Time{}, time.Time{}
}
