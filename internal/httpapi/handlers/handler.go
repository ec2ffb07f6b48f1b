package handlers

import (
	"github.com/suPer8Hu/colony-core/internal/config"
	"github.com/suPer8Hu/colony-core/internal/jobs"
	"github.com/suPer8Hu/colony-core/internal/realtime"
	"github.com/suPer8Hu/colony-core/internal/store/redisstore"
)

type Handler struct {
	Cfg   config.Config
	Redis *redisstore.Store
	Jobs  *jobs.Service
	Hub   *realtime.Hub

	// nil when ENABLE_DB_LOGGING is off
	Updates *realtime.GormUpdateLog
}

func NewHandler(cfg config.Config, rds *redisstore.Store, hub *realtime.Hub, updates *realtime.GormUpdateLog) *Handler {
	repo := jobs.NewRepo(rds, cfg.JobTTL, cfg.JobQueueKey)
	return &Handler{
		Cfg:     cfg,
		Redis:   rds,
		Jobs:    jobs.NewService(repo, cfg.DefaultAgentType),
		Hub:     hub,
		Updates: updates,
	}
}
