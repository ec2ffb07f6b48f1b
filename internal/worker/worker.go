package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/suPer8Hu/colony-core/internal/ai"
	"github.com/suPer8Hu/colony-core/internal/jobs"
)

// Runner drains the pending-work list and drives each job to DONE or FAILED.
type Runner struct {
	Jobs             *jobs.Service
	Registry         *ai.Registry
	FallbackProvider string
	Concurrency      int
	PollWait         time.Duration
	JobTimeout       time.Duration

	// FinishTimeout bounds the terminal DONE/FAILED write.
	FinishTimeout time.Duration
}

func (r *Runner) defaults() {
	if r.Concurrency <= 0 {
		r.Concurrency = 2
	}
	if r.PollWait <= 0 {
		r.PollWait = 5 * time.Second
	}
	if r.JobTimeout <= 0 {
		r.JobTimeout = 2 * time.Minute
	}
	if r.FinishTimeout <= 0 {
		r.FinishTimeout = 5 * time.Second
	}
}

// finishCtx outlives shutdown so a popped job never stays RUNNING.
func (r *Runner) finishCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.FinishTimeout)
}

// Run blocks until ctx is cancelled and every in-flight job has been marked
// DONE or FAILED. A job interrupted by cancellation ends FAILED.
func (r *Runner) Run(ctx context.Context) {
	r.defaults()

	var wg sync.WaitGroup
	wg.Add(r.Concurrency)
	for i := 0; i < r.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			r.loop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, workerID int) {
	for ctx.Err() == nil {
		id, j, err := r.Jobs.Next(ctx, r.PollWait)
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrQueueEmpty):
			continue
		case errors.Is(err, jobs.ErrJobNotFound):
			log.Printf("worker=%d job %s expired before pickup", workerID, id)
			continue
		case ctx.Err() != nil:
			return
		default:
			log.Printf("worker=%d dequeue failed err=%v", workerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		start := time.Now()
		if err := r.HandleJob(ctx, j); err != nil {
			log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, id, time.Since(start), err)
		}
	}
}

// HandleJob runs one PENDING job through the text-completion provider for its agent type.
func (r *Runner) HandleJob(ctx context.Context, j *jobs.Job) error {
	r.defaults()
	jobStart := time.Now()

	if _, err := r.Jobs.MarkRunning(ctx, j.ID); err != nil {
		return err
	}

	provider, err := r.Registry.Resolve(ctx, j.AgentType, r.FallbackProvider)
	if err != nil {
		fctx, cancel := r.finishCtx(ctx)
		defer cancel()
		_, _ = r.Jobs.Fail(fctx, j.ID, err.Error())
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, r.JobTimeout)
	defer cancel()

	t0 := time.Now()
	result, err := ai.Complete(cctx, provider, j.AgentType, j.Prompt)
	genCost := time.Since(t0)

	fctx, fcancel := r.finishCtx(ctx)
	defer fcancel()
	if err != nil {
		if _, markErr := r.Jobs.Fail(fctx, j.ID, err.Error()); markErr != nil {
			log.Printf("job_timing_failed job=%s gen=%s markFail_err=%v", j.ID, genCost, markErr)
		}
		return err
	}

	if _, err := r.Jobs.Complete(fctx, j.ID, result); err != nil {
		log.Printf("job_timing_failed job=%s gen=%s total=%s err=%v", j.ID, genCost, time.Since(jobStart), err)
		return err
	}

	if total := time.Since(jobStart); total > 2*time.Second {
		log.Printf("job_timing job=%s agent=%s gen=%s total=%s", j.ID, j.AgentType, genCost, total)
	}
	return nil
}
