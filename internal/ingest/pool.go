package ingest

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirparams/internal/params"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Workers     int
	Runner      RunnerConfig
	SharedCache params.SharedCache
	// OnResult, when set, is called from the worker goroutine after every
	// unit of work.
	OnResult func(Result)
}

// Pool runs units of work on a fixed set of workers. Each worker owns one
// session, one identity cache and one processor; workers share nothing but
// the database (and the optional shared cache).
type Pool struct {
	cfg     PoolConfig
	factory SessionFactory
	logger  zerolog.Logger

	jobs   chan []Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	skipped   atomic.Uint64
	messages  atomic.Uint64

	mu     sync.Mutex
	pushed map[params.ParamKind]int
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers   int                      `json:"workers"`
	Submitted uint64                   `json:"submitted"`
	Completed uint64                   `json:"completed"`
	Failed    uint64                   `json:"failed"`
	Retries   uint64                   `json:"retries"`
	Skipped   uint64                   `json:"skipped"`
	Messages  uint64                   `json:"messages"`
	Pushed    map[params.ParamKind]int `json:"pushed"`
}

// NewPool prepares a pool. If cfg.Workers <= 0 it defaults to
// runtime.NumCPU(). Workers are started by Start.
func NewPool(factory SessionFactory, cfg PoolConfig, logger zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		jobs:    make(chan []Message, cfg.Workers*2),
		pushed:  make(map[params.ParamKind]int),
	}
}

// Start opens a session per worker and starts the workers. If any session
// cannot be opened, the ones already opened are closed and the error is
// returned.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	runners := make([]*Runner, 0, p.cfg.Workers)
	sessions := make([]Session, 0, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		runner, session, err := p.newWorker(p.ctx, i)
		if err != nil {
			for _, s := range sessions {
				s.Close()
			}
			p.cancel()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		runners = append(runners, runner)
		sessions = append(sessions, session)
	}

	p.wg.Add(len(runners))
	for i := range runners {
		go p.worker(runners[i], sessions[i])
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Msg("ingest pool started")
	return nil
}

func (p *Pool) newWorker(ctx context.Context, id int) (*Runner, Session, error) {
	session, err := p.factory(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger := p.logger.With().Int("worker", id).Logger()

	opts := []params.ProcessorOption{params.WithLogger(logger)}
	if p.cfg.SharedCache != nil {
		opts = append(opts, params.WithSharedCache(p.cfg.SharedCache))
	}
	processor := params.NewProcessor(session.Engine(), params.NewIdentityCache(), opts...)
	if err := processor.LoadResourceTypes(ctx); err != nil {
		session.Close()
		return nil, nil, err
	}
	return NewRunner(session, processor, p.cfg.Runner, logger), session, nil
}

func (p *Pool) worker(r *Runner, session Session) {
	defer p.wg.Done()
	defer session.Close()
	defer r.processor.Close()

	for msgs := range p.jobs {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.record(r.Run(p.ctx, msgs))
	}
}

func (p *Pool) record(res Result) {
	p.completed.Add(1)
	p.retries.Add(uint64(res.Retries))
	p.skipped.Add(uint64(res.Skipped))
	if res.Err != nil {
		p.failed.Add(1)
	} else {
		p.messages.Add(uint64(res.Messages))
		p.mu.Lock()
		for k, n := range res.Pushed {
			p.pushed[k] += n
		}
		p.mu.Unlock()
	}
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(res)
	}
}

// Submit queues one unit of work, blocking while the queue is full. It
// returns false once the pool is closed or its context is done. Start must
// have succeeded first.
func (p *Pool) Submit(msgs []Message) bool {
	if p.closed.Load() || len(msgs) == 0 {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.jobs <- msgs:
		p.submitted.Add(1)
		return true
	}
}

// Close stops accepting work, lets queued units finish and waits for the
// workers to exit. Submit must not be called concurrently with Close.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
	p.cancel()
}

// Stats returns current pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	pushed := make(map[params.ParamKind]int, len(p.pushed))
	for k, n := range p.pushed {
		pushed[k] = n
	}
	p.mu.Unlock()

	return PoolStats{
		Workers:   p.cfg.Workers,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retries:   p.retries.Load(),
		Skipped:   p.skipped.Load(),
		Messages:  p.messages.Load(),
		Pushed:    pushed,
	}
}
