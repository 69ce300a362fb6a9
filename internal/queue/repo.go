package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/salonlens/tryon-core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

// JobRepo is the durable store for transform jobs. Claiming is an atomic
// conditional update so multiple worker processes never run the same job.
type JobRepo interface {
	Enqueue(ctx context.Context, job *models.TransformJob) error
	Get(ctx context.Context, id string) (*models.TransformJob, error)

	// ClaimNextRunnable picks the oldest queued job whose run_after has
	// passed, marks it active, and increments attempts. Returns (nil, nil)
	// when nothing is runnable.
	ClaimNextRunnable(ctx context.Context) (*models.TransformJob, error)

	// SetProgress bumps progress on an active job. Monotonic: a lower value
	// than the current one is never written.
	SetProgress(ctx context.Context, id string, progress int) error

	// Requeue schedules another attempt after the given delay.
	Requeue(ctx context.Context, id string, delay time.Duration) error

	// Finish moves a job to a terminal status unless it was cancelled in the
	// meantime; reports whether the update was applied.
	Finish(ctx context.Context, id string, updates map[string]interface{}) (bool, error)

	// Cancel transitions a non-terminal job to cancelled and returns the
	// status the job had before. ErrJobFinished when already terminal.
	Cancel(ctx context.Context, id string) (string, error)

	// ReclaimStuck returns jobs left in active since before cutoff to the
	// queue; jobs already at the attempt limit are marked failed instead.
	// Reports how many jobs were touched.
	ReclaimStuck(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error)
}

type gormJobRepo struct {
	db *gorm.DB
}

func NewJobRepo(db *gorm.DB) JobRepo {
	return &gormJobRepo{db: db}
}

func (r *gormJobRepo) Enqueue(ctx context.Context, job *models.TransformJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("job insert failed: %w", err)
	}
	return nil
}

func (r *gormJobRepo) Get(ctx context.Context, id string) (*models.TransformJob, error) {
	var job models.TransformJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepo) ClaimNextRunnable(ctx context.Context) (*models.TransformJob, error) {
	var claimed *models.TransformJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.TransformJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_after <= ?", models.JobStatusQueued, time.Now()).
			Order("created_at").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		job.Status = models.JobStatusActive
		job.Attempts++
		if err := tx.Model(&models.TransformJob{}).
			Where("id = ?", job.ID).
			UpdateColumns(map[string]interface{}{
				"status":     models.JobStatusActive,
				"attempts":   job.Attempts,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("job claim failed: %w", err)
	}
	return claimed, nil
}

func (r *gormJobRepo) SetProgress(ctx context.Context, id string, progress int) error {
	err := r.db.WithContext(ctx).Model(&models.TransformJob{}).
		Where("id = ? AND status = ? AND progress < ?", id, models.JobStatusActive, progress).
		UpdateColumns(map[string]interface{}{
			"progress":   progress,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("job progress update failed: %w", err)
	}
	return nil
}

func (r *gormJobRepo) Requeue(ctx context.Context, id string, delay time.Duration) error {
	err := r.db.WithContext(ctx).Model(&models.TransformJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusActive).
		UpdateColumns(map[string]interface{}{
			"status":     models.JobStatusQueued,
			"run_after":  time.Now().Add(delay),
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("job requeue failed: %w", err)
	}
	return nil
}

func (r *gormJobRepo) Finish(ctx context.Context, id string, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&models.TransformJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusActive).
		UpdateColumns(updates)
	if res.Error != nil {
		return false, fmt.Errorf("job finish failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *gormJobRepo) Cancel(ctx context.Context, id string) (string, error) {
	var prev string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.TransformJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}

		if job.Status != models.JobStatusQueued && job.Status != models.JobStatusActive {
			return ErrJobFinished
		}
		prev = job.Status

		return tx.Model(&models.TransformJob{}).
			Where("id = ?", id).
			UpdateColumns(map[string]interface{}{
				"status":     models.JobStatusCancelled,
				"updated_at": time.Now(),
			}).Error
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

func (r *gormJobRepo) ReclaimStuck(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	var reclaimed int64

	res := r.db.WithContext(ctx).Model(&models.TransformJob{}).
		Where("status = ? AND updated_at < ? AND attempts >= ?", models.JobStatusActive, cutoff, maxAttempts).
		UpdateColumns(map[string]interface{}{
			"status":       models.JobStatusFailed,
			"error_reason": "worker lost before the job finished",
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("stuck job fail failed: %w", res.Error)
	}
	reclaimed += res.RowsAffected

	res = r.db.WithContext(ctx).Model(&models.TransformJob{}).
		Where("status = ? AND updated_at < ?", models.JobStatusActive, cutoff).
		UpdateColumns(map[string]interface{}{
			"status":     models.JobStatusQueued,
			"run_after":  time.Now(),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("stuck job requeue failed: %w", res.Error)
	}
	reclaimed += res.RowsAffected

	return int(reclaimed), nil
}

// memoryJobRepo implements JobRepo in process, for tests. It mirrors the
// claim and finish conditions of the Postgres repo.
type memoryJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.TransformJob
}

func NewMemoryJobRepo() JobRepo {
	return &memoryJobRepo{jobs: make(map[string]*models.TransformJob)}
}

func (r *memoryJobRepo) Enqueue(ctx context.Context, job *models.TransformJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memoryJobRepo) Get(ctx context.Context, id string) (*models.TransformJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memoryJobRepo) ClaimNextRunnable(ctx context.Context) (*models.TransformJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var runnable []*models.TransformJob
	for _, job := range r.jobs {
		if job.Status == models.JobStatusQueued && !job.RunAfter.After(now) {
			runnable = append(runnable, job)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	sort.Slice(runnable, func(i, j int) bool {
		return runnable[i].CreatedAt.Before(runnable[j].CreatedAt)
	})

	job := runnable[0]
	job.Status = models.JobStatusActive
	job.Attempts++
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

func (r *memoryJobRepo) SetProgress(ctx context.Context, id string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.Status == models.JobStatusActive && job.Progress < progress {
		job.Progress = progress
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memoryJobRepo) Requeue(ctx context.Context, id string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.Status == models.JobStatusActive {
		job.Status = models.JobStatusQueued
		job.RunAfter = time.Now().Add(delay)
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memoryJobRepo) Finish(ctx context.Context, id string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != models.JobStatusActive {
		return false, nil
	}
	for k, v := range updates {
		switch k {
		case "status":
			job.Status = v.(string)
		case "progress":
			job.Progress = v.(int)
		case "result_url":
			job.ResultURL = v.(string)
		case "was_cached":
			job.WasCached = v.(bool)
		case "error_reason":
			job.ErrorReason = v.(string)
		}
	}
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *memoryJobRepo) ReclaimStuck(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	reclaimed := 0
	for _, job := range r.jobs {
		if job.Status != models.JobStatusActive || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		if job.Attempts >= maxAttempts {
			job.Status = models.JobStatusFailed
			job.ErrorReason = "worker lost before the job finished"
		} else {
			job.Status = models.JobStatusQueued
			job.RunAfter = now
		}
		job.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}

func (r *memoryJobRepo) Cancel(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	if job.Status != models.JobStatusQueued && job.Status != models.JobStatusActive {
		return "", ErrJobFinished
	}
	prev := job.Status
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = time.Now()
	return prev, nil
}
