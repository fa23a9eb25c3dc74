package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
)

// WorkerOptions sizes the worker pool.
type WorkerOptions struct {
	// Workers is the number of concurrent jobs; <= 0 selects min(4, cores).
	Workers int
	// QueuePerWorker bounds the claimed-but-unstarted backlog per worker.
	QueuePerWorker int
	// PollInterval is how often the background loop looks for work when
	// not notified.
	PollInterval time.Duration
	// ID identifies this process in index_states.worker_id.
	ID string
}

// BatchResult counts the outcome of a batch run.
type BatchResult struct {
	Claimed  int `json:"claimed"`
	Indexed  int `json:"indexed"`
	Removed  int `json:"removed"`
	Failed   int `json:"failed"`
	Released int `json:"released"`
}

// Workers runs indexing jobs for claimed state rows with a fixed number of
// goroutines.
type Workers struct {
	job    *Job
	states *index.StateRepo
	opts   WorkerOptions

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewWorkers creates a pool around job.
func NewWorkers(job *Job, states *index.StateRepo, opts WorkerOptions) *Workers {
	if opts.Workers <= 0 {
		opts.Workers = min(4, runtime.NumCPU())
	}
	if opts.QueuePerWorker <= 0 {
		opts.QueuePerWorker = 8
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ID == "" {
		host, _ := os.Hostname()
		opts.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Workers{
		job:    job,
		states: states,
		opts:   opts,
		wake:   make(chan struct{}, 1),
	}
}

// ID returns the worker id recorded on claims.
func (w *Workers) ID() string {
	return w.opts.ID
}

// Process runs the job for a claimed row and records the outcome. A
// cancelled job returns the row to pending without consuming a retry.
func (w *Workers) Process(ctx context.Context, st *index.IndexState) (*JobResult, error) {
	ctx = contextutil.WithAttrs(ctx, "worker_id", st.WorkerID)
	result, err := w.job.Run(ctx, st.ResourceID, st.Modality, st.WorkerID)
	if err == nil {
		return result, nil
	}

	logger := contextutil.LoggerFromContext(ctx)
	detached := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if rerr := w.states.Release(detached, st.ResourceID, st.Modality, st.WorkerID); rerr != nil {
			logger.WarnContext(ctx, "failed to release claim", "resource_id", st.ResourceID, "error", rerr)
		}
		return nil, ctx.Err()
	}

	failed, merr := w.states.MarkFailed(detached, st.ResourceID, st.Modality, st.WorkerID, err, Retryable(err))
	if merr != nil {
		logger.ErrorContext(ctx, "failed to record indexing failure",
			"resource_id", st.ResourceID, "modality", st.Modality, "error", merr, "cause", err)
		return nil, err
	}
	w.job.Reporter().Failed(ctx, st.ResourceID, st.Modality, failed.State, err)
	return nil, err
}

// BatchProcessPending claims up to limit pending rows of modality and
// indexes them on the pool. limit <= 0 drains everything claimable. Job
// failures are recorded on their rows and counted, not returned.
func (w *Workers) BatchProcessPending(ctx context.Context, modality index.Modality, limit int) (*BatchResult, error) {
	var (
		result   BatchResult
		claimed  atomic.Int64
		indexed  atomic.Int64
		removed  atomic.Int64
		failed   atomic.Int64
		released atomic.Int64
	)
	queue := make(chan *index.IndexState, w.opts.Workers*w.opts.QueuePerWorker)
	release := func(st *index.IndexState) {
		if err := w.states.Release(context.WithoutCancel(ctx), st.ResourceID, st.Modality, st.WorkerID); err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to release claim", "resource_id", st.ResourceID, "error", err)
			return
		}
		released.Add(1)
	}

	var g errgroup.Group
	g.Go(func() error {
		defer close(queue)
		for limit <= 0 || int(claimed.Load()) < limit {
			if ctx.Err() != nil {
				return nil
			}
			st, err := w.states.ClaimNext(ctx, modality, w.opts.ID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if st == nil {
				return nil
			}
			claimed.Add(1)
			select {
			case queue <- st:
			case <-ctx.Done():
				release(st)
				return nil
			}
		}
		return nil
	})

	for i := 0; i < w.opts.Workers; i++ {
		g.Go(func() error {
			for st := range queue {
				if ctx.Err() != nil {
					release(st)
					continue
				}
				res, err := w.Process(ctx, st)
				switch {
				case err == nil && res.Removed:
					removed.Add(1)
				case err == nil:
					indexed.Add(1)
				case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
					released.Add(1)
				default:
					failed.Add(1)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	result.Claimed = int(claimed.Load())
	result.Indexed = int(indexed.Load())
	result.Removed = int(removed.Load())
	result.Failed = int(failed.Load())
	result.Released = int(released.Load())
	if err != nil {
		return &result, err
	}
	return &result, ctx.Err()
}

// Start recovers claims abandoned by a previous process and starts the
// background loop. It is a no-op when already running.
func (w *Workers) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	logger := contextutil.LoggerFromContext(ctx)
	n, err := w.states.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.InfoContext(ctx, "recovered stale index claims", "count", n)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(loopCtx, w.done)

	logger.InfoContext(ctx, "indexing workers started", "workers", w.opts.Workers, "worker_id", w.opts.ID)
	return nil
}

// Stop cancels in-flight jobs, returning their rows to pending, and waits
// for the loop to exit.
func (w *Workers) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
}

// Notify wakes the background loop, e.g. after content changed.
func (w *Workers) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Workers) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := contextutil.LoggerFromContext(ctx)

	for {
		for _, m := range w.states.Modalities() {
			res, err := w.BatchProcessPending(ctx, m, 0)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.ErrorContext(ctx, "indexing batch failed", "modality", m, "error", err)
				continue
			}
			if res.Claimed > 0 {
				logger.DebugContext(ctx, "indexing batch finished",
					"modality", m, "claimed", res.Claimed, "indexed", res.Indexed, "failed", res.Failed)
			}
		}

		timer := time.NewTimer(w.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextWait is the poll interval, shortened when a failed row becomes
// eligible for retry sooner.
func (w *Workers) nextWait(ctx context.Context) time.Duration {
	wait := w.opts.PollInterval
	for _, m := range w.states.Modalities() {
		next, err := w.states.NextRetryAt(ctx, m)
		if err != nil || next == nil {
			continue
		}
		if d := time.Until(*next); d < wait {
			wait = max(d, 10*time.Millisecond)
		}
	}
	return wait
}
