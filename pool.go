package kitfox

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RecommendedWorkers leaves one CPU for the caller and keeps between 2 and
// 8 workers.
func RecommendedWorkers() int {
	return min(max(runtime.NumCPU()-1, 2), 8)
}

// PoolOptions configures an ExecutionPool.
type PoolOptions struct {
	// Workers is the fixed worker count. 0 means RecommendedWorkers().
	Workers int `yaml:"workers"`
	// QueueSize is the inbox capacity of each worker. Default 16.
	QueueSize int `yaml:"queue_size"`
	// RateLimit caps dispatches per second. 0 means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type poolJob struct {
	id     uint64
	ctx    context.Context
	src    []byte
	params EncodeParams
}

type poolReply struct {
	id     uint64
	worker int
	data   []byte
	err    error
}

// ExecutionPool runs codec invocations on a fixed set of worker
// goroutines. Jobs are assigned round-robin, each worker owning its own
// inbox; replies come back on a shared channel and are matched to the
// waiting caller by message id. ExecutionPool itself implements Codec.
type ExecutionPool struct {
	codec   Codec
	logger  *slog.Logger
	limiter *rate.Limiter

	inboxes []chan poolJob
	replies chan poolReply

	next atomic.Uint64
	seq  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan poolReply

	active atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewExecutionPool starts the workers. Call Close to stop them.
func NewExecutionPool(codec Codec, opts PoolOptions, logger *slog.Logger) *ExecutionPool {
	if logger == nil {
		logger = discardLogger()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = RecommendedWorkers()
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = 16
	}

	p := &ExecutionPool{
		codec:   codec,
		logger:  logger.With("component", "pool"),
		inboxes: make([]chan poolJob, workers),
		replies: make(chan poolReply, workers),
		pending: make(map[uint64]chan poolReply),
		closed:  make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}
	for i := range p.inboxes {
		p.inboxes[i] = make(chan poolJob, queue)
		p.wg.Add(1)
		go p.work(i)
	}
	p.wg.Add(1)
	go p.collect()

	p.logger.Debug("pool started", "workers", workers, "queue", queue)
	return p
}

func (p *ExecutionPool) work(i int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case job := <-p.inboxes[i]:
			if job.ctx.Err() != nil {
				p.reply(poolReply{id: job.id, worker: i, err: job.ctx.Err()})
				continue
			}
			p.active.Add(1)
			data, err := p.codec.Encode(job.ctx, job.src, job.params)
			p.active.Add(-1)
			p.reply(poolReply{id: job.id, worker: i, data: data, err: err})
		}
	}
}

func (p *ExecutionPool) reply(r poolReply) {
	select {
	case p.replies <- r:
	case <-p.closed:
	}
}

// collect routes each reply to the caller waiting on its id.
func (p *ExecutionPool) collect() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case r := <-p.replies:
			p.mu.Lock()
			ch, ok := p.pending[r.id]
			delete(p.pending, r.id)
			p.mu.Unlock()
			if !ok {
				p.logger.Debug("reply for unknown message", "id", r.id, "worker", r.worker)
				continue
			}
			ch <- r
		}
	}
}

// Encode dispatches one codec call to the next worker and waits for its
// reply. If ctx ends first Encode returns ctx.Err(); the worker is not
// interrupted and its late reply is discarded.
func (p *ExecutionPool) Encode(ctx context.Context, src []byte, params EncodeParams) ([]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	id := p.seq.Add(1)
	ch := make(chan poolReply, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	forget := func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}

	inbox := p.inboxes[(p.next.Add(1)-1)%uint64(len(p.inboxes))]
	select {
	case inbox <- poolJob{id: id, ctx: ctx, src: src, params: params}:
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-p.closed:
		forget()
		return nil, ErrPoolClosed
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-p.closed:
		forget()
		return nil, ErrPoolClosed
	}
}

// CanEncode forwards to the wrapped codec when it can tell.
func (p *ExecutionPool) CanEncode(mime string) bool { return canEncode(p.codec, mime) }

// CanDecode forwards to the wrapped codec when it can tell.
func (p *ExecutionPool) CanDecode(mime string) bool { return canDecode(p.codec, mime) }

// PoolStatus is a snapshot of pool load.
type PoolStatus struct {
	Workers int
	Active  int
	Queued  int
}

// Status reports the worker count, running calls and jobs waiting in
// inboxes.
func (p *ExecutionPool) Status() PoolStatus {
	s := PoolStatus{Workers: len(p.inboxes), Active: int(p.active.Load())}
	for _, in := range p.inboxes {
		s.Queued += len(in)
	}
	return s
}

// Close stops the workers and fails outstanding calls with ErrPoolClosed.
// Codec calls already running finish in the background before Close
// returns.
func (p *ExecutionPool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.logger.Debug("pool closed")
	})
	p.wg.Wait()
	return nil
}
