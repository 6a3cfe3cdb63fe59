package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirparams/internal/params"
)

// Runner executes units of work for one session. It is the transaction
// manager around a Processor: it owns commit and rollback and answers
// retryable failures with ResetBatch and a replay of the same messages.
type Runner struct {
	session        Session
	processor      *params.Processor
	maxRetries     int
	retryDelay     time.Duration
	checkReady     bool
	maxReadyChecks int
	readyDelay     time.Duration
	logger         zerolog.Logger
}

// RunnerConfig holds the retry and readiness policy. With CheckReady set,
// messages are compared with the committed version of their resource before
// processing; messages that are not visible yet are checked again after
// ReadyDelay, at most MaxReadyChecks more times.
type RunnerConfig struct {
	MaxRetries     int
	RetryDelay     time.Duration
	CheckReady     bool
	MaxReadyChecks int
	ReadyDelay     time.Duration
}

func NewRunner(session Session, processor *params.Processor, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	return &Runner{
		session:        session,
		processor:      processor,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		checkReady:     cfg.CheckReady,
		maxReadyChecks: cfg.MaxReadyChecks,
		readyDelay:     cfg.ReadyDelay,
		logger:         logger,
	}
}

// Result describes one completed unit of work.
type Result struct {
	BatchID  string
	Messages int
	// Attempts counts transactions, including readiness passes.
	Attempts int
	Retries  int
	// Skipped counts messages for stale or uncommitted versions.
	Skipped  int
	NotReady int
	Pushed   map[params.ParamKind]int
	Err      error
}

// Run stores the parameters of msgs. Retryable failures are retried up to the
// configured limit; anything else is returned after the transaction has been
// rolled back. Messages whose resource version is not yet committed are
// requeued within the unit of work until they are ready or the checks run
// out, which ends in ErrNotReady.
func (r *Runner) Run(ctx context.Context, msgs []Message) Result {
	res := Result{BatchID: uuid.NewString(), Messages: len(msgs), Pushed: make(map[params.ParamKind]int)}
	log := r.logger.With().Str("batch_id", res.BatchID).Int("messages", len(msgs)).Logger()

	pending := msgs
	for check := 0; ; check++ {
		notReady, err := r.runPass(ctx, pending, &res, log)
		if err != nil {
			res.Err = err
			return res
		}
		if len(notReady) == 0 {
			return res
		}
		if check >= r.maxReadyChecks {
			res.NotReady = len(notReady)
			res.Err = fmt.Errorf("%w: %d of %d messages", ErrNotReady, len(notReady), len(msgs))
			log.Error().Int("not_ready", len(notReady)).Int("checks", check+1).Msg("unit of work failed")
			return res
		}
		log.Debug().Int("not_ready", len(notReady)).Msg("requeueing messages for uncommitted versions")
		if r.readyDelay > 0 {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(r.readyDelay):
			}
		}
		pending = notReady
	}
}

// runPass runs one transaction over msgs with retries and returns the
// messages that were not ready.
func (r *Runner) runPass(ctx context.Context, msgs []Message, res *Result, log zerolog.Logger) ([]Message, error) {
	for attempt := 1; ; attempt++ {
		res.Attempts++
		rd, err := r.runOnce(ctx, msgs)
		if err == nil {
			res.Skipped += rd.skipped
			if len(rd.ready) > 0 {
				for k, n := range r.processor.LastPushed() {
					res.Pushed[k] += n
				}
			}
			log.Debug().Int("attempt", attempt).Int("ready", len(rd.ready)).Msg("unit of work committed")
			return rd.notReady, nil
		}
		r.processor.ResetBatch()

		if !params.IsRetryable(err) || attempt > r.maxRetries {
			log.Error().Err(err).Int("attempt", attempt).Msg("unit of work failed")
			return nil, err
		}
		res.Retries++
		log.Warn().Err(err).Int("attempt", attempt).Msg("retryable failure, replaying unit of work")

		if r.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			}
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, msgs []Message) (readiness, error) {
	txCtx, tx, err := r.session.Begin(ctx)
	if err != nil {
		return readiness{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			r.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
	}()

	rd := readiness{ready: msgs}
	if r.checkReady {
		if rd, err = r.splitReady(txCtx, msgs); err != nil {
			return readiness{}, err
		}
	}
	if len(rd.ready) == 0 {
		return rd, nil
	}

	if err := r.processor.StartBatch(); err != nil {
		return readiness{}, err
	}
	for i := range rd.ready {
		m := &rd.ready[i]
		if err := r.processor.Process(m.ResourceParameters()); err != nil {
			return readiness{}, fmt.Errorf("process %s/%s: %w", m.Data.ResourceType, m.Data.LogicalID, err)
		}
	}
	if err := r.processor.PushBatch(txCtx); err != nil {
		return readiness{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return readiness{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	if err := r.processor.Committed(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("promoting committed ids failed")
	}
	return rd, nil
}
