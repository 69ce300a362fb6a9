package handlers

import (
	"github.com/salonlens/tryon-core/internal/cache"
	"github.com/salonlens/tryon-core/internal/config"
	"github.com/salonlens/tryon-core/internal/queue"
	"github.com/salonlens/tryon-core/internal/session"
	"github.com/salonlens/tryon-core/internal/tryon"
	"github.com/sirupsen/logrus"
)

// maxImageBytes caps uploaded source images.
const maxImageBytes = 10 << 20

type API struct {
	cfg      *config.Config
	sessions *session.Store
	service  *tryon.Service
	cache    *cache.ResultCache
	queue    *queue.Queue
	log      *logrus.Entry
}

func NewAPI(logger *logrus.Logger, cfg *config.Config, sessions *session.Store, service *tryon.Service, resultCache *cache.ResultCache, q *queue.Queue) *API {
	return &API{
		cfg:      cfg,
		sessions: sessions,
		service:  service,
		cache:    resultCache,
		queue:    q,
		log:      logger.WithField("component", "api"),
	}
}
