package handlers

import (
	"log/slog"

	"capproxy/internal/config"
	"capproxy/internal/services"
)

type Handler struct {
	cfg          config.Config
	logger       *slog.Logger
	pipeline     *services.EnrichmentService
	webhooks     *services.WebhookService
	capi         *services.CAPIClient
	statsService *services.StatsService
	dedupService *services.DedupService
}

func NewHandler(
	cfg config.Config,
	logger *slog.Logger,
	pipeline *services.EnrichmentService,
	webhooks *services.WebhookService,
	capi *services.CAPIClient,
	statsService *services.StatsService,
	dedupService *services.DedupService,
) *Handler {
	return &Handler{
		cfg:          cfg,
		logger:       logger,
		pipeline:     pipeline,
		webhooks:     webhooks,
		capi:         capi,
		statsService: statsService,
		dedupService: dedupService,
	}
}
