package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/salonlens/tryon-core/internal/models"
	"github.com/salonlens/tryon-core/internal/storage"
	"github.com/sirupsen/logrus"
)

// Queue accepts transformation requests for asynchronous execution. Callers
// get a job id back immediately and poll for progress and the result.
type Queue struct {
	repo  JobRepo
	blobs storage.BlobStorage
	log   *logrus.Entry
}

func New(logger *logrus.Logger, repo JobRepo, blobs storage.BlobStorage) *Queue {
	return &Queue{
		repo:  repo,
		blobs: blobs,
		log:   logger.WithField("component", "transform_queue"),
	}
}

// Enqueue stores the source image and creates a queued job. Non-blocking:
// no generation work happens on the caller's request path.
func (q *Queue) Enqueue(ctx context.Context, sessionID, styleID string, image []byte, mimeType string) (*models.TransformJob, error) {
	id := uuid.NewString()

	sourceKey := fmt.Sprintf("sources/%s", id)
	if _, err := q.blobs.Put(ctx, sourceKey, image, mimeType); err != nil {
		return nil, fmt.Errorf("source upload failed: %w", err)
	}

	now := time.Now()
	job := &models.TransformJob{
		ID:         id,
		SessionID:  sessionID,
		StyleID:    styleID,
		SourceKey:  sourceKey,
		SourceMime: mimeType,
		Status:     models.JobStatusQueued,
		RunAfter:   now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.repo.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	q.log.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"session_id": sessionID,
		"style_id":   styleID,
	}).Info("Job enqueued")
	return job, nil
}

// Get returns the current state of a job.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.TransformJob, error) {
	return q.repo.Get(ctx, jobID)
}

// Cancel transitions a queued job to cancelled. For an active job the
// in-flight provider call is not interrupted, but the job still lands in
// cancelled unless it completes first. Terminal jobs return ErrJobFinished.
func (q *Queue) Cancel(ctx context.Context, jobID string) (string, error) {
	prev, err := q.repo.Cancel(ctx, jobID)
	if err != nil {
		return "", err
	}
	q.log.WithFields(logrus.Fields{
		"job_id":      jobID,
		"prev_status": prev,
	}).Info("Job cancelled")
	return prev, nil
}
