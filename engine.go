// Package kitfox compresses and converts images to exact size budgets,
// many at a time.
//
// Kitfox identifies each input from its bytes rather than its name, then
// re-encodes it until the output is strictly smaller than the requested
// size:
//
//   - Coarse jump: one encode at a quality and dimension picked from how much
//     the file has to shrink
//   - Binary search on quality, keeping only probes that fit the budget
//   - Dimension fallback and a short list of forced last-resort encodes
//   - An explicit InfeasibleError when nothing fits, never an oversized result
//
// Work runs through an Engine that owns a fixed worker pool, a priority
// scheduler with dependencies and retries, and a content cache keyed by file
// identity and options.
package kitfox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Engine owns a codec pool, a content cache, telemetry and a scheduler.
// Create one per process or per tenant; nothing is global.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	pool      *ExecutionPool
	cache     *ContentCache
	telemetry *Telemetry
	scheduler *Scheduler
	// slots bounds Process calls by Scheduler.MaxConcurrency.
	slots *slotGate

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type engineOptions struct {
	codec  Codec
	logger *slog.Logger
}

// EngineOption customizes Create.
type EngineOption func(*engineOptions)

// WithCodec replaces the built-in ImageCodec.
func WithCodec(c Codec) EngineOption {
	return func(o *engineOptions) { o.codec = c }
}

// WithLogger replaces the logger built from Config.Log.
func WithLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

// Create validates cfg and starts an engine. Call Shutdown to release it.
func Create(cfg Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	}
	if o.codec == nil {
		o.codec = NewImageCodec(o.logger)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    o.logger,
		pool:      NewExecutionPool(o.codec, cfg.Pool, o.logger),
		telemetry: NewTelemetry(o.logger),
		slots:     newSlotGate(cfg.Scheduler.MaxConcurrency, cfg.Scheduler.IgnorePriority),
	}
	if cfg.Cache.Enabled {
		e.cache = NewContentCache(cfg.Cache.CacheOptions, o.logger)
	}
	e.scheduler = NewScheduler(e.pool, e.cache, e.telemetry, o.logger)

	e.logger.Info("engine started",
		"environment", cfg.Environment,
		"workers", e.pool.Status().Workers,
		"cache", cfg.Cache.Enabled)
	return e, nil
}

// Identify classifies prefix without running any work.
func (e *Engine) Identify(prefix []byte, filename, declaredMIME string) FormatDescriptor {
	return Identify(prefix, filename, declaredMIME)
}

// Process starts req on f and returns immediately. Progress and the result
// are delivered through the Handle. At most Scheduler.MaxConcurrency
// Process calls run at once; the rest wait in priority order.
func (e *Engine) Process(ctx context.Context, f File, req Request) (*Handle, error) {
	req = e.withDefaults(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	h := newHandle(uuid.New())
	item := e.workItem(h.ID, f, req)
	item.OnProgress = h.tracker.report

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.slots.acquire(ctx, item.Priority); err != nil {
			h.complete(failed(h.ID, err))
			return
		}
		r := e.scheduler.Execute(ctx, item, e.batchOptions(BatchOptions{}))
		e.slots.release()
		h.complete(r)
	}()
	return h, nil
}

// BatchRequest is one entry of ProcessBatch. A zero ID is assigned.
type BatchRequest struct {
	ID           uuid.UUID
	File         File
	Request      Request
	Dependencies []uuid.UUID
}

// ProcessBatch runs reqs as one scheduler batch and blocks until every
// entry has a result. Zero fields of opts take the configured values.
func (e *Engine) ProcessBatch(ctx context.Context, reqs []BatchRequest, opts BatchOptions) (map[uuid.UUID]TaskResult, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	e.wg.Add(1)
	e.mu.RUnlock()
	defer e.wg.Done()

	items := make([]WorkItem, len(reqs))
	for i, r := range reqs {
		req := e.withDefaults(r.Request)
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("kitfox: batch entry %d: %w", i, err)
		}
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		items[i] = e.workItem(id, r.File, req)
		items[i].Dependencies = r.Dependencies
	}
	return e.scheduler.SubmitAndRun(ctx, items, e.batchOptions(opts))
}

func (e *Engine) workItem(id uuid.UUID, f File, req Request) WorkItem {
	return WorkItem{
		ID:        id,
		File:      f,
		Operation: req.Operation,
		Compress:  req.Compress,
		Convert:   req.Convert,
		Priority:  req.Priority,
	}
}

// withDefaults fills unset compress fields from Config.Defaults.
func (e *Engine) withDefaults(req Request) Request {
	if req.Operation != OpCompress {
		return req
	}
	d := e.cfg.Defaults
	var c CompressOptions
	if req.Compress != nil {
		c = *req.Compress
	}
	if c.TargetBytes == 0 {
		c.TargetBytes = d.TargetBytes
	}
	if c.OutputFormat == "" {
		c.OutputFormat = d.OutputFormat
	}
	if c.MaxWidth == 0 {
		c.MaxWidth = d.MaxWidth
	}
	if c.MaxHeight == 0 {
		c.MaxHeight = d.MaxHeight
	}
	if c.Quality == 0 {
		c.Quality = d.Quality
	}
	req.Compress = &c
	return req
}

func (e *Engine) batchOptions(opts BatchOptions) BatchOptions {
	s := e.cfg.Scheduler
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = s.MaxConcurrency
	}
	if !opts.IgnorePriority {
		opts.IgnorePriority = s.IgnorePriority
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = s.Retry
	}
	return opts
}

// EngineStatus is a snapshot of every component.
type EngineStatus struct {
	Pool      PoolStatus
	Scheduler SchedulerStatus
	Stats     SchedulerStats
	Cache     *CacheStats // nil when the cache is disabled
	Telemetry TelemetryReport
}

// Status reports the state of the engine's components.
func (e *Engine) Status() EngineStatus {
	st := EngineStatus{
		Pool:      e.pool.Status(),
		Scheduler: e.scheduler.Status(),
		Stats:     e.scheduler.Stats(),
		Telemetry: e.telemetry.Report(),
	}
	if e.cache != nil {
		cs := e.cache.Stats()
		st.Cache = &cs
	}
	return st
}

// Cache returns the content cache, or nil when disabled.
func (e *Engine) Cache() *ContentCache { return e.cache }

// Shutdown rejects new work, cancels queued and waiting items, and waits
// for running ones until ctx ends. It then stops the pool and the cache.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.scheduler.Cancel()
	e.slots.close(ErrSchedulingCancelled)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("kitfox: shutdown: %w", ctx.Err())
	}

	e.pool.Close()
	if e.cache != nil {
		e.cache.Close()
	}
	e.logger.Info("engine stopped", "tasks", e.telemetry.Report().TotalTasks)
	return err
}
