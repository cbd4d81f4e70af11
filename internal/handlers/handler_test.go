package handlers

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"capproxy/internal/config"
	"capproxy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func testConfig(capiURL string) config.Config {
	return config.Config{
		AppEnv:          "test",
		PixelID:         "123456",
		AccessToken:     "test-token",
		CAPIBaseURL:     capiURL,
		CAPIVersion:     "v21.0",
		GeoCacheTTL:     time.Hour,
		GeoCacheMaxSize: 100,
		DedupTTL:        6 * time.Hour,
		DedupMaxSize:    100,
		RateLimit:       100,
		AllowedOrigins:  "*",
	}
}

func setupTestHandler(t *testing.T, cfg config.Config) *Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	dedup := services.NewDedupService(cfg.DedupTTL, cfg.DedupMaxSize, logger)
	geoIP := services.NewGeoIPService(cfg, logger)
	pipeline := services.NewEnrichmentService(dedup, geoIP, cfg.FilterBots, logger)
	webhooks, err := services.NewWebhookService(cfg.WebhookToken, logger)
	require.NoError(t, err)
	capi := services.NewCAPIClient(cfg, logger)
	stats := services.NewStatsService(logger)

	return NewHandler(cfg, logger, pipeline, webhooks, capi, stats, dedup)
}

func setupTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return h.SetupRouter(nil)
}
