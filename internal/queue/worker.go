package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/salonlens/tryon-core/internal/models"
	"github.com/salonlens/tryon-core/internal/provider"
	"github.com/salonlens/tryon-core/internal/session"
	"github.com/salonlens/tryon-core/internal/storage"
	"github.com/salonlens/tryon-core/internal/tryon"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	RetryBase    time.Duration

	// ProviderRate bounds job starts per ProviderRateWindow across the
	// whole pool, independent of Concurrency.
	ProviderRate       int
	ProviderRateWindow time.Duration

	// ReclaimAfter bounds how long a job may sit in active before the
	// reclaimer assumes its worker died and returns it to the queue.
	ReclaimAfter time.Duration
}

// Pool runs queued transform jobs against the tryon service. Concurrency is
// bounded by the worker count; provider call starts are additionally bounded
// by a shared rate limiter.
type Pool struct {
	cfg     PoolConfig
	repo    JobRepo
	blobs   storage.BlobStorage
	service *tryon.Service
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewPool(logger *logrus.Logger, cfg PoolConfig, repo JobRepo, blobs storage.BlobStorage, service *tryon.Service) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.ProviderRate <= 0 {
		cfg.ProviderRate = 10
	}
	if cfg.ProviderRateWindow <= 0 {
		cfg.ProviderRateWindow = time.Minute
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 5 * time.Minute
	}

	return &Pool{
		cfg:     cfg,
		repo:    repo,
		blobs:   blobs,
		service: service,
		limiter: rate.NewLimiter(
			rate.Limit(float64(cfg.ProviderRate)/cfg.ProviderRateWindow.Seconds()),
			cfg.ProviderRate,
		),
		log: logger.WithField("component", "transform_worker"),
	}
}

// Start launches the worker goroutines and blocks until ctx is done and all
// workers have drained.
func (p *Pool) Start(ctx context.Context) {
	p.log.WithField("concurrency", p.cfg.Concurrency).Info("Starting worker pool")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.run(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reclaim(ctx)
	}()
	wg.Wait()
	p.log.Info("Worker pool stopped")
}

func (p *Pool) run(ctx context.Context, worker int) {
	log := p.log.WithField("worker", worker)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			job, err := p.repo.ClaimNextRunnable(ctx)
			if err != nil {
				log.WithError(err).Warn("Job claim failed")
				continue
			}
			if job == nil {
				continue
			}
			p.execute(ctx, log, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, log *logrus.Entry, job *models.TransformJob) {
	log = log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"attempt": job.Attempts,
	})

	if err := p.limiter.Wait(ctx); err != nil {
		// Shutdown while throttled; put the job back untouched.
		p.release(log, job)
		return
	}

	image, err := p.blobs.Get(ctx, job.SourceKey)
	if err != nil {
		if ctx.Err() != nil {
			p.release(log, job)
			return
		}
		p.fail(ctx, log, job, fmt.Errorf("source image unavailable: %w", err))
		return
	}

	result, err := p.service.Transform(ctx, tryon.Request{
		SessionID: job.SessionID,
		Image:     image,
		MimeType:  job.SourceMime,
		StyleID:   job.StyleID,
	}, func(progress int) {
		if err := p.repo.SetProgress(ctx, job.ID, progress); err != nil {
			log.WithError(err).Warn("Failed to update job progress")
		}
	})
	if err != nil {
		// Shutdown aborting the attempt is not the job's fault; hand it
		// back rather than burning an attempt on a cancelled context.
		if ctx.Err() != nil {
			p.release(log, job)
			return
		}
		p.fail(ctx, log, job, err)
		return
	}

	finishCtx, done := detach(ctx)
	defer done()
	applied, err := p.repo.Finish(finishCtx, job.ID, map[string]interface{}{
		"status":     models.JobStatusCompleted,
		"progress":   100,
		"result_url": result.ResultURL,
		"was_cached": result.WasCached,
	})
	if err != nil {
		log.WithError(err).Error("Failed to complete job")
		return
	}
	if !applied {
		// Cancelled while we were generating; the cancellation stands.
		log.Info("Job finished after cancellation, result discarded")
		return
	}
	log.WithField("was_cached", result.WasCached).Info("Job completed")
}

// terminalFailure reports errors no retry can fix: provider content
// rejections, spent or dead sessions, unknown styles.
func terminalFailure(cause error) bool {
	if !provider.IsRetryable(cause) {
		return true
	}
	return errors.Is(cause, session.ErrUsesExhausted) ||
		errors.Is(cause, session.ErrExpired) ||
		errors.Is(cause, session.ErrNotFound) ||
		errors.Is(cause, session.ErrOwnerInactive) ||
		errors.Is(cause, tryon.ErrStyleNotFound)
}

func (p *Pool) fail(ctx context.Context, log *logrus.Entry, job *models.TransformJob, cause error) {
	opCtx, done := detach(ctx)
	defer done()

	if !terminalFailure(cause) && job.Attempts < p.cfg.MaxAttempts {
		delay := p.cfg.RetryBase << (job.Attempts - 1)
		log.WithFields(logrus.Fields{
			"error": cause,
			"delay": delay,
		}).Warn("Job attempt failed, retrying")
		if err := p.repo.Requeue(opCtx, job.ID, delay); err != nil {
			log.WithError(err).Error("Failed to requeue job")
		}
		return
	}

	log.WithError(cause).Error("Job failed")
	applied, err := p.repo.Finish(opCtx, job.ID, map[string]interface{}{
		"status":       models.JobStatusFailed,
		"error_reason": cause.Error(),
	})
	if err != nil {
		log.WithError(err).Error("Failed to mark job failed")
		return
	}
	if !applied {
		log.Info("Job was cancelled before failure could be recorded")
	}
}

// release hands a claimed job back to the queue on a fresh context; every
// shutdown path lands here with the worker context already cancelled.
func (p *Pool) release(log *logrus.Entry, job *models.TransformJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.repo.Requeue(ctx, job.ID, 0); err != nil {
		log.WithError(err).Error("Failed to requeue job on shutdown")
		return
	}
	log.Info("Job returned to queue on shutdown")
}

// reclaim sweeps jobs stranded in active past the deadline, covering worker
// crashes and any shutdown write that still failed. Requeued jobs surface on
// the next claim; jobs already at the attempt limit land in failed so
// callers polling them observe a terminal state.
func (p *Pool) reclaim(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReclaimAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.repo.ReclaimStuck(ctx, time.Now().Add(-p.cfg.ReclaimAfter), p.cfg.MaxAttempts)
			if err != nil {
				p.log.WithError(err).Warn("Stuck job reclaim failed")
				continue
			}
			if n > 0 {
				p.log.WithField("count", n).Warn("Reclaimed stuck jobs")
			}
		}
	}
}

// detach returns ctx while it is alive, or a bounded background context so
// cleanup writes still reach the store after shutdown.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 5*time.Second)
}
