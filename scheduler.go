package kitfox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkItem is one queued unit of work.
type WorkItem struct {
	// ID is assigned by Submit when zero.
	ID        uuid.UUID
	File      File
	Operation Operation
	Compress  *CompressOptions
	Convert   *ConvertOptions

	// Higher priorities run first; equal priorities run in submission order.
	Priority int32

	// Dependencies must all have completed successfully before the item
	// is dispatched.
	Dependencies []uuid.UUID

	RetryCount uint8
	// MaxRetries overrides the batch retry policy's limit when set. A
	// limit of zero disables retries for this item.
	MaxRetries *uint8

	OnProgress ProgressFunc

	seq uint64
}

func (w *WorkItem) request() Request {
	return Request{Operation: w.Operation, Compress: w.Compress, Convert: w.Convert, Priority: w.Priority}
}

// TaskResult is the terminal outcome of a work item.
type TaskResult struct {
	ID         uuid.UUID
	Success    bool
	Data       []byte
	Format     string
	Err        error
	Error      string // human-readable reason, empty on success
	Duration   time.Duration
	FromCache  bool
	Attempts   int
	Iterations int
	Warnings   []string
}

func failed(id uuid.UUID, err error) TaskResult {
	return TaskResult{ID: id, Err: err, Error: err.Error()}
}

// BatchOptions configures RunBatch.
type BatchOptions struct {
	// MaxConcurrency bounds in-flight items. 0 means OptimalConcurrency().
	MaxConcurrency int
	// IgnorePriority dispatches strictly in submission order.
	IgnorePriority bool
	Retry          RetryPolicy
	DisableCache   bool
	// PollInterval bounds how long the dispatcher waits before re-checking
	// the queue. Default 50ms.
	PollInterval time.Duration
	// OnProgress receives the completed share of the batch in percent.
	OnProgress func(percent float64, completed, total int)
}

// DefaultBatchOptions returns options with the default retry policy.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{Retry: DefaultRetryPolicy()}
}

// Scheduler runs work items with bounded concurrency, honoring priorities
// and dependencies, consulting the cache and retrying failures with
// exponential backoff.
type Scheduler struct {
	proc      *processor
	cache     *ContentCache
	telemetry *Telemetry
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	queue     []*WorkItem
	seq       uint64
	inflight  map[uuid.UUID]struct{}
	completed map[uuid.UUID]TaskResult
	batch     map[uuid.UUID]TaskResult
	total     int
	running   bool
	cancelled bool
	stats     schedulerCounters
}

type schedulerCounters struct {
	tasks     int
	succeeded int
	fromCache int
	duration  time.Duration
	bytesIn   int64
	bytesOut  int64
}

// NewScheduler returns a Scheduler executing through codec. cache and
// telemetry may be nil.
func NewScheduler(codec Codec, cache *ContentCache, telemetry *Telemetry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = discardLogger()
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		proc:      newProcessor(codec, logger),
		cache:     cache,
		telemetry: telemetry,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[uuid.UUID]struct{}),
		completed: make(map[uuid.UUID]TaskResult),
	}
}

// Submit queues item and returns its id.
func (s *Scheduler) Submit(item WorkItem) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitLocked(item)
}

func (s *Scheduler) submitLocked(item WorkItem) uuid.UUID {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	s.seq++
	item.seq = s.seq
	if s.running {
		s.total++
		if s.cancelled {
			s.terminateLocked(&item, ErrSchedulingCancelled)
			return item.ID
		}
	}
	s.queue = append(s.queue, &item)
	s.logger.Debug("task submitted", "task", item.ID, "operation", item.Operation, "priority", item.Priority)
	return item.ID
}

// SubmitBatch queues items in order and returns their ids.
func (s *Scheduler) SubmitBatch(items []WorkItem) []uuid.UUID {
	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = s.Submit(item)
	}
	return ids
}

// RunBatch runs every queued item to a terminal result and returns the
// results of this batch by id. Only one batch runs at a time. Cancelling
// ctx or calling Cancel stops dispatch; items already running finish.
func (s *Scheduler) RunBatch(ctx context.Context, opts BatchOptions) (map[uuid.UUID]TaskResult, error) {
	return s.runBatch(ctx, nil, opts)
}

// SubmitAndRun queues items and runs them as one batch. When another batch
// is running it returns ErrBatchInProgress without queueing anything.
func (s *Scheduler) SubmitAndRun(ctx context.Context, items []WorkItem, opts BatchOptions) (map[uuid.UUID]TaskResult, error) {
	return s.runBatch(ctx, items, opts)
}

func (s *Scheduler) runBatch(ctx context.Context, items []WorkItem, opts BatchOptions) (map[uuid.UUID]TaskResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrBatchInProgress
	}
	for _, item := range items {
		s.submitLocked(item)
	}
	s.running = true
	s.cancelled = false
	s.batch = make(map[uuid.UUID]TaskResult, len(s.queue))
	s.total = len(s.queue)
	pending := s.total
	s.mu.Unlock()

	conc := opts.MaxConcurrency
	if conc <= 0 {
		conc = OptimalConcurrency()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	opts.Retry = opts.Retry.withDefaults()
	tick := time.NewTicker(poll)
	defer tick.Stop()
	s.logger.Debug("batch started", "tasks", pending, "concurrency", conc)

	// Terminations outside the completion path (failed dependencies,
	// cancellation) count towards progress too.
	reported := 0
	progress := func() {
		if opts.OnProgress == nil {
			return
		}
		s.mu.Lock()
		completed, total := len(s.batch), s.total
		s.mu.Unlock()
		if completed <= reported || total == 0 {
			return
		}
		reported = completed
		opts.OnProgress(float64(completed)/float64(total)*100, completed, total)
	}

	done := make(chan TaskResult)
	inflight := 0
	for {
		if ctx.Err() != nil {
			s.Cancel()
		}

		s.mu.Lock()
		s.failUnsatisfiableLocked()
		for inflight < conc && !s.cancelled {
			item := s.nextReadyLocked(opts.IgnorePriority)
			if item == nil {
				break
			}
			s.inflight[item.ID] = struct{}{}
			inflight++
			go func() { done <- s.execute(ctx, item, opts) }()
		}
		queued := len(s.queue)
		s.mu.Unlock()
		progress()

		if inflight == 0 && queued == 0 {
			break
		}
		if inflight == 0 {
			// Remaining items wait on work running outside this batch.
			<-tick.C
			continue
		}

		var r TaskResult
		select {
		case r = <-done:
		case <-tick.C:
			continue
		case <-ctx.Done():
			s.Cancel()
			r = <-done
		}
		inflight--
		s.record(r, true)
		progress()
	}

	s.mu.Lock()
	results := s.batch
	s.batch = nil
	s.running = false
	s.mu.Unlock()
	s.logger.Debug("batch finished", "tasks", len(results))
	return results, ctx.Err()
}

// record stores a terminal result.
func (s *Scheduler) record(r TaskResult, inBatch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, r.ID)
	s.completed[r.ID] = r
	if inBatch && s.batch != nil {
		s.batch[r.ID] = r
	}
}

// nextReadyLocked removes and returns the best queued item whose
// dependencies have all succeeded. Items still waiting keep their place.
func (s *Scheduler) nextReadyLocked(ignorePriority bool) *WorkItem {
	pick := -1
	for i, item := range s.queue {
		if !s.satisfiedLocked(item) {
			continue
		}
		if pick < 0 {
			pick = i
			if ignorePriority {
				break
			}
			continue
		}
		if before(item, s.queue[pick]) {
			pick = i
		}
	}
	if pick < 0 {
		return nil
	}
	item := s.queue[pick]
	s.queue = slices.Delete(s.queue, pick, pick+1)
	return item
}

func before(a, b *WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func (s *Scheduler) satisfiedLocked(item *WorkItem) bool {
	for _, dep := range item.Dependencies {
		r, ok := s.completed[dep]
		if !ok || !r.Success {
			return false
		}
	}
	return true
}

// failUnsatisfiableLocked terminates queued items that can never run: a
// dependency failed, or it is neither queued, running nor completed. With
// nothing in flight every remaining item is stuck and is failed too.
func (s *Scheduler) failUnsatisfiableLocked() {
	queued := make(map[uuid.UUID]bool, len(s.queue))
	for _, item := range s.queue {
		queued[item.ID] = true
	}
	for changed := true; changed; {
		changed = false
		kept := s.queue[:0]
		for _, item := range s.queue {
			if err := s.blockedLocked(item, queued); err != nil {
				delete(queued, item.ID)
				s.terminateLocked(item, err)
				changed = true
				continue
			}
			kept = append(kept, item)
		}
		s.queue = kept
	}

	if len(s.inflight) > 0 || s.cancelled {
		return
	}
	for _, item := range s.queue {
		if !s.satisfiedLocked(item) {
			continue
		}
		return
	}
	for _, item := range s.queue {
		s.terminateLocked(item, fmt.Errorf("%w: dependency cycle", ErrDependencyUnsatisfied))
	}
	s.queue = nil
}

func (s *Scheduler) blockedLocked(item *WorkItem, queued map[uuid.UUID]bool) error {
	for _, dep := range item.Dependencies {
		if r, ok := s.completed[dep]; ok {
			if !r.Success {
				return fmt.Errorf("%w: %s failed", ErrDependencyUnsatisfied, dep)
			}
			continue
		}
		if _, ok := s.inflight[dep]; ok || queued[dep] {
			continue
		}
		return fmt.Errorf("%w: %s unknown", ErrDependencyUnsatisfied, dep)
	}
	return nil
}

func (s *Scheduler) terminateLocked(item *WorkItem, err error) {
	r := failed(item.ID, err)
	s.completed[item.ID] = r
	if s.batch != nil {
		s.batch[item.ID] = r
	}
	s.logger.Debug("task not run", "task", item.ID, "reason", err)
}

// Cancel rejects every queued item with ErrSchedulingCancelled and stops
// the running batch from dispatching more. Running items are not
// interrupted.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	for _, item := range s.queue {
		s.terminateLocked(item, ErrSchedulingCancelled)
	}
	if n := len(s.queue); n > 0 {
		s.logger.Info("scheduler cancelled", "dropped", n)
	}
	s.queue = nil
}

// Execute runs a single item immediately, outside any batch, and records
// its result so later items may depend on it.
func (s *Scheduler) Execute(ctx context.Context, item WorkItem, opts BatchOptions) TaskResult {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	opts.Retry = opts.Retry.withDefaults()
	s.mu.Lock()
	s.inflight[item.ID] = struct{}{}
	s.mu.Unlock()
	r := s.execute(ctx, &item, opts)
	s.record(r, false)
	return r
}

// execute runs one item through the cache, the processor and the retry
// loop.
func (s *Scheduler) execute(ctx context.Context, item *WorkItem, opts BatchOptions) TaskResult {
	start := s.now()
	req := item.request()
	if err := req.Validate(); err != nil {
		return s.finish(item, failed(item.ID, err), start)
	}

	useCache := s.cache != nil && !opts.DisableCache
	id := item.File.Identity()
	key := req.cacheOptions()
	if useCache {
		if e, ok := s.cache.Get(id, key); ok {
			progress := newProgressTracker(item.OnProgress)
			progress.report(100)
			return s.finish(item, TaskResult{
				ID:        item.ID,
				Success:   true,
				Data:      e.Data,
				Format:    e.Format,
				FromCache: true,
			}, start)
		}
	}

	maxRetries := opts.Retry.MaxRetries
	if item.MaxRetries != nil {
		maxRetries = *item.MaxRetries
	}
	progress := newProgressTracker(item.OnProgress)

	attempts := 0
	for {
		attempts++
		s.telemetry.StartTask(item.ID, item.Operation, int64(len(item.File.Data)), item.File.MIMEType)
		out, err := s.proc.run(ctx, item.File, req, progress.report)
		s.telemetry.EndTask(item.ID, err == nil, err)

		if err == nil {
			if useCache {
				s.cache.Put(id, key, out.Data, CacheMetadata{
					OriginalSize: int64(len(item.File.Data)),
					Format:       out.Format,
					Quality:      out.Quality,
				})
			}
			return s.finish(item, TaskResult{
				ID:         item.ID,
				Success:    true,
				Data:       out.Data,
				Format:     out.Format,
				Attempts:   attempts,
				Iterations: out.Iterations,
				Warnings:   out.Warnings,
			}, start)
		}

		terminal := !retriable(err) || opts.Retry.Disabled ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		if terminal {
			r := failed(item.ID, err)
			r.Attempts = attempts
			return s.finish(item, r, start)
		}
		if item.RetryCount >= maxRetries {
			r := failed(item.ID, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err))
			r.Attempts = attempts
			return s.finish(item, r, start)
		}

		item.RetryCount++
		delay := opts.Retry.Delay(item.RetryCount)
		s.logger.Info("retrying task",
			"task", item.ID,
			"attempt", item.RetryCount,
			"max_retries", maxRetries,
			"delay", delay,
			"error", err)
		if serr := sleep(ctx, delay); serr != nil {
			r := failed(item.ID, serr)
			r.Attempts = attempts
			return s.finish(item, r, start)
		}
	}
}

func (s *Scheduler) finish(item *WorkItem, r TaskResult, start time.Time) TaskResult {
	r.Duration = s.now().Sub(start)
	s.mu.Lock()
	s.stats.tasks++
	s.stats.duration += r.Duration
	s.stats.bytesIn += int64(len(item.File.Data))
	if r.Success {
		s.stats.succeeded++
		s.stats.bytesOut += int64(len(r.Data))
	}
	if r.FromCache {
		s.stats.fromCache++
	}
	s.mu.Unlock()

	if r.Success {
		s.logger.Debug("task succeeded", "task", item.ID, "cached", r.FromCache, "duration_ms", r.Duration.Milliseconds())
	} else {
		s.logger.Warn("task failed", "task", item.ID, "error", r.Error)
	}
	return r
}

// Result returns the terminal result recorded for id.
func (s *Scheduler) Result(id uuid.UUID) (TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.completed[id]
	return r, ok
}

// SchedulerStatus is a snapshot of scheduler state.
type SchedulerStatus struct {
	Processing  bool
	Active      int
	Queued      int
	Completed   int
	SuccessRate float64 // percent of completed results
}

// Status reports the current state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SchedulerStatus{
		Processing: s.running,
		Active:     len(s.inflight),
		Queued:     len(s.queue),
		Completed:  len(s.completed),
	}
	var ok int
	for _, r := range s.completed {
		if r.Success {
			ok++
		}
	}
	if st.Completed > 0 {
		st.SuccessRate = float64(ok) / float64(st.Completed) * 100
	}
	return st
}

// SchedulerStats aggregates executed items.
type SchedulerStats struct {
	Tasks           int
	Succeeded       int
	Failed          int
	AverageDuration time.Duration
	CacheHitRate    float64 // percent
	BytesIn         int64
	BytesOut        int64
}

// Stats returns totals over every executed item since creation or Clear.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.stats
	st := SchedulerStats{
		Tasks:     c.tasks,
		Succeeded: c.succeeded,
		Failed:    c.tasks - c.succeeded,
		BytesIn:   c.bytesIn,
		BytesOut:  c.bytesOut,
	}
	if c.tasks > 0 {
		st.AverageDuration = c.duration / time.Duration(c.tasks)
		st.CacheHitRate = float64(c.fromCache) / float64(c.tasks) * 100
	}
	return st
}

// Clear drops queued items, recorded results and counters. It does not
// affect a running batch's in-flight items.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.completed = make(map[uuid.UUID]TaskResult)
	s.stats = schedulerCounters{}
}
