package services

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"capproxy/internal/config"
	"capproxy/internal/metrics"
	"capproxy/internal/models"

	"github.com/goccy/go-json"
)

const (
	capiTimeout          = 15 * time.Second
	gzipThreshold        = 2048
	maxUpstreamRespBytes = 1 << 20
)

var (
	// ErrUpstreamTimeout is returned when the Conversions API does not answer in time.
	ErrUpstreamTimeout = errors.New("capi: upstream timeout")

	// ErrUpstream is returned when the request could not be completed.
	ErrUpstream = errors.New("capi: upstream request failed")
)

// TokenPlacement selects where the access token travels. The frontend path
// sends it as a query parameter and the webhook path in the body.
type TokenPlacement int

const (
	TokenInQuery TokenPlacement = iota
	TokenInBody
)

// CAPIResponse is the ad platform's answer, relayed to the caller as is.
type CAPIResponse struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *CAPIResponse) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// CAPIClient posts event batches to the Conversions API.
type CAPIClient struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *http.Client
	timeout time.Duration
}

func NewCAPIClient(cfg config.Config, logger *slog.Logger) *CAPIClient {
	timeout := cfg.CAPITimeout
	if timeout <= 0 {
		timeout = capiTimeout
	}
	return &CAPIClient{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *CAPIClient) endpoint() string {
	return strings.TrimSuffix(c.cfg.CAPIBaseURL, "/") + "/" + c.cfg.CAPIVersion + "/" + url.PathEscape(c.cfg.PixelID) + "/events"
}

// Send posts events in one request. A non-2xx answer is returned as a
// response, not an error.
func (c *CAPIClient) Send(ctx context.Context, events []models.Event, placement TokenPlacement) (*CAPIResponse, error) {
	payload := models.Batch{Data: events, TestCode: c.cfg.TestEventCode}
	target := c.endpoint()
	if placement == TokenInBody {
		payload.AccessToken = c.cfg.AccessToken
	} else {
		target += "?access_token=" + url.QueryEscape(c.cfg.AccessToken)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	compressed := false
	if len(body) > gzipThreshold {
		if body, err = gzipBytes(body); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		compressed = true
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordUpstream(0, elapsed)
		if isTimeout(err) {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, elapsed.Round(time.Millisecond))
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	metrics.RecordUpstream(resp.StatusCode, elapsed)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamRespBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: reading response", ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	c.logger.Info("CAPI: Batch sent", "events", len(events), "status", resp.StatusCode,
		"gzip", compressed, "latency_ms", elapsed.Milliseconds())

	return &CAPIResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
