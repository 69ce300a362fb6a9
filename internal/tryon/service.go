package tryon

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/salonlens/tryon-core/internal/cache"
	"github.com/salonlens/tryon-core/internal/provider"
	"github.com/salonlens/tryon-core/internal/session"
	"github.com/salonlens/tryon-core/internal/storage"
	"github.com/sirupsen/logrus"
)

// Progress milestones reported while a transformation runs.
const (
	ProgressAccepted  = 10
	ProgressCalling   = 30
	ProgressResponded = 80
	ProgressStored    = 100
)

type Request struct {
	SessionID string
	Image     []byte
	MimeType  string
	StyleID   string
}

type Result struct {
	ResultURL string
	WasCached bool
	Remaining int
}

// Service runs one transformation end to end: style resolution, cache
// consultation, provider call, artifact storage, and use consumption.
// A use is consumed only once a result exists; failed generations never
// charge the session.
type Service struct {
	sessions  *session.Store
	cache     *cache.ResultCache
	blobs     storage.BlobStorage
	generator provider.Generator
	styles    StyleRepo
	log       *logrus.Entry
}

func NewService(logger *logrus.Logger, sessions *session.Store, resultCache *cache.ResultCache, blobs storage.BlobStorage, generator provider.Generator, styles StyleRepo) *Service {
	return &Service{
		sessions:  sessions,
		cache:     resultCache,
		blobs:     blobs,
		generator: generator,
		styles:    styles,
		log:       logger.WithField("component", "tryon_service"),
	}
}

// Transform executes the request. onProgress, if non-nil, receives the
// monotonically increasing milestone values; the queue worker feeds these
// into job rows, the synchronous path passes nil.
func (s *Service) Transform(ctx context.Context, req Request, onProgress func(int)) (*Result, error) {
	report := func(p int) {
		if onProgress != nil {
			onProgress(p)
		}
	}
	report(ProgressAccepted)

	style, err := s.styles.Resolve(ctx, req.StyleID)
	if err != nil {
		return nil, err
	}

	if url, ok := s.cache.Lookup(ctx, req.Image, req.StyleID); ok {
		remaining, err := s.sessions.ConsumeUse(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		report(ProgressStored)
		return &Result{ResultURL: url, WasCached: true, Remaining: remaining}, nil
	}

	report(ProgressCalling)
	generated, err := s.generator.Generate(ctx, req.Image, req.MimeType, style.Text)
	if err != nil {
		return nil, err
	}
	report(ProgressResponded)

	blobKey := fmt.Sprintf("results/%s.png", uuid.NewString())
	resultURL, err := s.blobs.Put(ctx, blobKey, generated, "image/png")
	if err != nil {
		return nil, fmt.Errorf("result upload failed: %w", err)
	}

	// Best effort: the user still gets their result if the cache write fails.
	if err := s.cache.Store(ctx, req.Image, req.StyleID, resultURL, blobKey); err != nil {
		s.log.WithError(err).Warn("Failed to cache generation result")
	}

	remaining, err := s.sessions.ConsumeUse(ctx, req.SessionID)
	if err != nil {
		// The session was exhausted or revoked while we generated. The
		// result stays cached for the next caller, but this request is
		// rejected like any other admission failure.
		return nil, err
	}

	report(ProgressStored)
	return &Result{ResultURL: resultURL, WasCached: false, Remaining: remaining}, nil
}
