package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"capproxy/internal/metrics"
	"capproxy/internal/middleware"
	"capproxy/internal/models"
	"capproxy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

const (
	maxBodyBytes = 1 << 20

	sourceFrontend = "frontend"
	sourceWebhook  = "webhook"
)

// IngestEvents accepts either a frontend batch or a payment platform
// webhook and forwards the enriched events in one upstream call.
func (h *Handler) IngestEvents(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
		return
	}
	if len(body) > maxBodyBytes {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Request body too large"})
		return
	}

	wh, err := h.webhooks.Parse(body)
	switch {
	case err == nil:
		h.handleWebhook(c, wh)
	case errors.Is(err, services.ErrNotWebhook):
		h.handleBatch(c, body)
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
	}
}

func (h *Handler) handleBatch(c *gin.Context, body []byte) {
	var req struct {
		Data []models.Event `json:"data"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Debug("Events: Rejected malformed batch", "request_id", middleware.GetRequestID(c), "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid event batch: " + err.Error()})
		return
	}
	if len(req.Data) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Field 'data' must be a non-empty array of events"})
		return
	}

	metrics.EventsReceived.WithLabelValues(sourceFrontend).Add(float64(len(req.Data)))

	ip := middleware.GetClientIP(c)
	rc := services.RequestContext{
		IP:            ip,
		UserAgent:     c.Request.UserAgent(),
		Referer:       c.Request.Referer(),
		Origin:        c.GetHeader("Origin"),
		FBCCookie:     cookieValue(c, services.FBCCookieName),
		FBPCookie:     cookieValue(c, "_fbp"),
		SessionCookie: cookieValue(c, "session_id"),
	}

	h.forward(c, sourceFrontend, req.Data, rc, services.TokenInQuery)
}

func (h *Handler) handleWebhook(c *gin.Context, wh *models.Webhook) {
	if err := h.webhooks.Authorize(c.GetHeader(services.WebhookTokenHeader)); err != nil {
		h.logger.Warn("Webhook: Rejected notification", "request_id", middleware.GetRequestID(c), "error", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook token"})
		return
	}

	metrics.EventsReceived.WithLabelValues(sourceWebhook).Inc()
	if !h.webhooks.Forwardable(wh) {
		h.logger.Info("Webhook: Event ignored", "event", wh.Event, "id", wh.ID)
		c.JSON(http.StatusOK, gin.H{"message": "event ignored", "event": wh.Event})
		return
	}

	// The caller is the platform's server, so its address says nothing
	// about the buyer.
	rc := services.RequestContext{}
	h.forward(c, sourceWebhook, []models.Event{h.webhooks.ToEvent(wh)}, rc, services.TokenInBody)
}

func (h *Handler) forward(c *gin.Context, source string, events []models.Event, rc services.RequestContext, placement services.TokenPlacement) {
	start := time.Now()
	res := h.pipeline.Process(c.Request.Context(), events, rc)
	defer func() { h.recordDelivery(c, source, start, res) }()

	metrics.EventsBlocked.WithLabelValues("duplicate").Add(float64(res.Blocked))
	metrics.EventsBlocked.WithLabelValues("bot").Add(float64(res.BotsFiltered))

	if res.Cookie != nil {
		http.SetCookie(c.Writer, res.Cookie)
	}

	if len(res.Events) == 0 {
		msg := "All events were duplicates"
		if res.BotsFiltered > 0 {
			msg = "No events to forward"
		}
		c.JSON(http.StatusOK, gin.H{
			"message":            msg,
			"duplicates_blocked": res.Blocked,
			"bots_filtered":      res.BotsFiltered,
			"original_count":     res.OriginalCount,
		})
		return
	}

	resp, err := h.capi.Send(c.Request.Context(), res.Events, placement)
	if err != nil {
		h.respondUpstreamError(c, err)
		return
	}
	if !resp.OK() {
		h.logger.Warn("Events: Upstream rejected batch", "request_id", middleware.GetRequestID(c), "status", resp.StatusCode)
		c.Data(resp.StatusCode, "application/json; charset=utf-8", resp.Body)
		return
	}

	metrics.EventsForwarded.Add(float64(len(res.Events)))

	out := map[string]any{}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		out = map[string]any{"upstream_response": string(resp.Body)}
	}
	out["ip_info"] = gin.H{
		"address":   res.IP.Address,
		"kind":      res.IP.Kind,
		"formatted": formattedIP(res.IP),
	}
	out["deduplication_info"] = gin.H{
		"original_count":     res.OriginalCount,
		"duplicates_blocked": res.Blocked,
		"bots_filtered":      res.BotsFiltered,
		"forwarded":          len(res.Events),
	}
	c.JSON(resp.StatusCode, out)
}

func (h *Handler) respondUpstreamError(c *gin.Context, err error) {
	requestID := middleware.GetRequestID(c)
	switch {
	case errors.Is(err, services.ErrUpstreamTimeout):
		h.logger.Warn("Events: Upstream timeout", "request_id", requestID, "error", err)
		c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{"error": "Upstream request timed out"})
	default:
		h.logger.Error("Events: Failed to forward batch", "request_id", requestID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *Handler) recordDelivery(c *gin.Context, source string, start time.Time, res services.Result) {
	h.statsService.RecordDeliveryAsync(services.Delivery{
		RequestID:    middleware.GetRequestID(c),
		Source:       source,
		Received:     res.OriginalCount,
		Forwarded:    forwardedCount(c, res),
		Duplicates:   res.Blocked,
		BotsFiltered: res.BotsFiltered,
		Status:       c.Writer.Status(),
		IP:           res.IP.Address,
		UserAgent:    c.Request.UserAgent(),
		Elapsed:      time.Since(start),
	})
}

func forwardedCount(c *gin.Context, res services.Result) int {
	if s := c.Writer.Status(); s < 200 || s >= 300 {
		return 0
	}
	return len(res.Events)
}

func formattedIP(ip services.ResolvedIP) string {
	if ip.Address == "" {
		return ""
	}
	return services.FormatForTransmission(ip.Address)
}

func cookieValue(c *gin.Context, name string) string {
	v, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return v
}
