// Package distributor runs query resolution on a fixed pool of workers,
// off the receive path, with admission control on the backlog.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"authdns/pkg/logging"
	"authdns/pkg/query"
)

var (
	// ErrOverloaded is returned by Submit when the queue has no room.
	// The query is shed; no result will be delivered for it.
	ErrOverloaded = errors.New("distributor queue full")
	// ErrClosed is the cause of the fatal error returned after Close
	ErrClosed = errors.New("distributor closed")
	// ErrWorkerPanic wraps a panic raised while resolving a single query
	ErrWorkerPanic = errors.New("worker panic")
	// ErrNoAnswer is reported when a processor returns neither an answer nor an error
	ErrNoAnswer = errors.New("processor returned no answer")
)

// FatalError means the pool itself is unusable. It is distinct from any
// per-query failure, which workers absorb and still report as a Result.
type FatalError struct {
	Worker int
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Worker < 0 {
		return fmt.Sprintf("distributor fatal: %v", e.Cause)
	}
	return fmt.Sprintf("distributor fatal in worker %d: %v", e.Worker, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether err signals a pool-fatal fault
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Processor resolves one query. It runs on a worker goroutine and may
// block for as long as the backend takes.
type Processor func(ctx context.Context, q *query.Query) (*query.Answer, error)

// Result is the completion of one submitted query. Err is set for per-query
// failures, in which case Answer is a SERVFAIL for the query.
type Result struct {
	Query  *query.Query
	Answer *query.Answer
	Err    error
}

// Job is a pending work item: the query and where its result goes
type Job struct {
	Query *query.Query
	Reply chan<- Result
}

// Config sizes a distributor. Nothing here changes after New.
type Config struct {
	ID                  int
	Workers             int
	MaxQueueLength      int
	OverloadQueueLength int // 0 disables cache-only mode
}

// Distributor owns a fixed set of workers pulling from one bounded queue.
// Idle workers take the next job, so load goes to whoever is free.
type Distributor struct {
	cfg     Config
	process Processor
	logger  *logging.Logger

	jobs  chan Job
	depth atomic.Int64

	fatal     atomic.Pointer[FatalError]
	fatalCh   chan struct{}
	fatalOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts cfg.Workers workers. The pool is never resized.
func New(cfg Config, process Processor, logger *logging.Logger) (*Distributor, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("distributor needs at least one worker, got %d", cfg.Workers)
	}
	if cfg.MaxQueueLength < 1 {
		return nil, fmt.Errorf("max queue length must be positive, got %d", cfg.MaxQueueLength)
	}
	if cfg.OverloadQueueLength < 0 {
		return nil, fmt.Errorf("overload queue length cannot be negative, got %d", cfg.OverloadQueueLength)
	}
	if process == nil {
		return nil, fmt.Errorf("distributor needs a processor")
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Distributor{
		cfg:     cfg,
		process: process,
		logger:  logger.WithField("distributor", cfg.ID),
		jobs:    make(chan Job, cfg.MaxQueueLength),
		fatalCh: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker(i)
	}

	d.logger.Debug("Distributor started",
		"workers", cfg.Workers,
		"max_queue_length", cfg.MaxQueueLength,
		"overload_queue_length", cfg.OverloadQueueLength)

	return d, nil
}

// ID returns the receiver index this distributor belongs to
func (d *Distributor) ID() int {
	return d.cfg.ID
}

// Workers returns the fixed pool size
func (d *Distributor) Workers() int {
	return d.cfg.Workers
}

// Depth is the current backlog: queued plus in flight
func (d *Distributor) Depth() int {
	return int(d.depth.Load())
}

// IsOverloaded reports whether the backlog reached the queue ceiling.
// Advisory: under concurrent load a borderline query may go either way.
func (d *Distributor) IsOverloaded() bool {
	return d.Depth() >= d.cfg.MaxQueueLength
}

// CacheOnly reports whether the backlog reached the secondary ceiling at
// which only packet cache hits are served
func (d *Distributor) CacheOnly() bool {
	return d.cfg.OverloadQueueLength > 0 && d.Depth() >= d.cfg.OverloadQueueLength
}

// Submit enqueues q without blocking. On nil error exactly one Result for
// q will be sent on reply, unless the pool faults fatally first.
// ErrOverloaded means q was shed; a *FatalError means the pool is unusable.
func (d *Distributor) Submit(q *query.Query, reply chan<- Result) error {
	if fe := d.fatal.Load(); fe != nil {
		return fe
	}
	if d.ctx.Err() != nil {
		return &FatalError{Worker: -1, Cause: ErrClosed}
	}

	d.depth.Add(1)
	select {
	case d.jobs <- Job{Query: q, Reply: reply}:
		return nil
	default:
		d.depth.Add(-1)
		return ErrOverloaded
	}
}

// Fatal is closed once the pool has faulted
func (d *Distributor) Fatal() <-chan struct{} {
	return d.fatalCh
}

// Err returns the fatal fault, if any
func (d *Distributor) Err() error {
	if fe := d.fatal.Load(); fe != nil {
		return fe
	}
	return nil
}

func (d *Distributor) fail(fe *FatalError) {
	if !d.fatal.CompareAndSwap(nil, fe) {
		return
	}
	d.fatalOnce.Do(func() { close(d.fatalCh) })
	d.logger.Error("Distributor is no longer usable", "error", fe)
}

func (d *Distributor) worker(n int) {
	defer d.wg.Done()
	// Anything escaping run() leaves shared state undefined
	defer func() {
		if r := recover(); r != nil {
			d.fail(&FatalError{Worker: n, Cause: fmt.Errorf("%v", r)})
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.jobs:
			d.run(job)
		}
	}
}

func (d *Distributor) run(job Job) {
	answer, err := d.resolve(job.Query)
	if err != nil {
		answer = query.ServFail(job.Query)
	}

	select {
	case job.Reply <- Result{Query: job.Query, Answer: answer, Err: err}:
	case <-d.ctx.Done():
	}
	d.depth.Add(-1)
}

// resolve isolates one query: errors and panics become a per-query failure
func (d *Distributor) resolve(q *query.Query) (answer *query.Answer, err error) {
	defer func() {
		if r := recover(); r != nil {
			answer = nil
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()

	answer, err = d.process(d.ctx, q)
	if err == nil && answer == nil {
		err = ErrNoAnswer
	}
	return answer, err
}

// Close stops the workers. Queued jobs that were not started are dropped.
// Only tests and orderly shutdown call this; Submit afterwards returns a
// *FatalError.
func (d *Distributor) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}
