package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"capproxy/internal/cache"
	"capproxy/internal/config"
	"capproxy/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/oschwald/geoip2-golang"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	geoLookupTimeout   = 5 * time.Second
	geoEvictFraction   = 0.10
	maxGeoResponseBody = 16 << 10
)

var errGeoLookup = errors.New("geo lookup failed")

// Geo holds coarse location attributes, lowercased where applicable.
type Geo struct {
	Country string `json:"country,omitempty"`
	State   string `json:"state,omitempty"`
	City    string `json:"city,omitempty"`
	Postal  string `json:"postal,omitempty"`
}

func (g Geo) Empty() bool { return g == Geo{} }

// geoReader is the subset of *geoip2.Reader used for local lookups.
type geoReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// fallbackPrefixes maps IPv4 prefixes to a best-effort country when every
// other source failed.
var fallbackPrefixes = []struct {
	prefix  string
	country string
}{
	{"177.", "br"}, {"179.", "br"}, {"186.", "br"}, {"187.", "br"},
	{"189.", "br"}, {"191.", "br"}, {"200.", "br"}, {"201.", "br"},
}

type geoLookupResponse struct {
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Postal      string `json:"postal"`
	Error       any    `json:"error"`
	Reason      string `json:"reason"`
}

// GeoIPService resolves an IP to a Geo. Answers come from the cache, the
// remote lookup service, the local MaxMind database, or a prefix heuristic,
// in that order. Resolve never fails; the worst case is an empty Geo.
type GeoIPService struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Geo]
	quota   *rate.Limiter

	mu    sync.Mutex
	cache *cache.Store[Geo]

	geoReader geoReader
	geoLock   sync.RWMutex
	openDB    func(path string) (geoReader, error)

	now func() time.Time
}

func NewGeoIPService(cfg config.Config, logger *slog.Logger) *GeoIPService {
	ttl := cfg.GeoCacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	limit := rate.Inf
	if cfg.GeoLookupRPS > 0 {
		limit = rate.Limit(cfg.GeoLookupRPS)
	}

	s := &GeoIPService{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: geoLookupTimeout},
		quota:  rate.NewLimiter(limit, 5),
		cache:  cache.New[Geo](ttl, cfg.GeoCacheMaxSize),
		now:    time.Now,
		openDB: openMaxMind,
	}
	s.breaker = gobreaker.NewCircuitBreaker[Geo](gobreaker.Settings{
		Name:    "geo-lookup",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the service's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("GeoIP: Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Init opens the local MaxMind database when one is configured.
func (s *GeoIPService) Init() {
	if s.cfg.MaxMindDBPath == "" {
		s.logger.Info("GeoIP: No local database configured, using remote lookups and heuristics only")
		return
	}
	s.reloadReader(s.cfg.MaxMindDBPath)
}

// StartReloader reopens the local database on every tick so files replaced
// by an external updater are picked up.
func (s *GeoIPService) StartReloader(ctx context.Context, interval time.Duration) {
	if s.cfg.MaxMindDBPath == "" {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reloadReader(s.cfg.MaxMindDBPath)
		case <-ctx.Done():
			s.logger.Info("GeoIP: Reloader stopping")
			return
		}
	}
}

// reloadReader opens path and swaps it in. The previous reader stays in
// service when the open fails, and is closed only once no lookup holds it.
func (s *GeoIPService) reloadReader(path string) {
	reader, err := s.openDB(path)
	if err != nil {
		s.logger.Error("GeoIP: Failed to open database", "path", path, "error", err)
		return
	}

	s.geoLock.Lock()
	old := s.geoReader
	s.geoReader = reader
	if old != nil {
		old.Close()
	}
	s.geoLock.Unlock()
	s.logger.Info("GeoIP: Loaded database", "path", path)
}

func openMaxMind(path string) (geoReader, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

// Close releases the local database.
func (s *GeoIPService) Close() {
	s.geoLock.Lock()
	defer s.geoLock.Unlock()
	if s.geoReader != nil {
		s.geoReader.Close()
		s.geoReader = nil
	}
}

// Resolve returns the location for ip. Private and unparseable addresses
// resolve to an empty Geo without any lookup.
func (s *GeoIPService) Resolve(ctx context.Context, ip string) Geo {
	ip = trimBrackets(ip)
	kind := ClassifyIP(ip)
	if kind == IPKindUnknown || isPrivate(ip) {
		metrics.GeoResolutions.WithLabelValues("none").Inc()
		return Geo{}
	}

	if g, ok := s.cached(ip); ok {
		metrics.GeoResolutions.WithLabelValues("cache").Inc()
		return g
	}

	// The lock is not held across the lookup; concurrent misses for the
	// same ip may both query the service.
	g, err := s.remote(ctx, ip)
	if err == nil {
		s.store(ip, g)
		metrics.GeoResolutions.WithLabelValues("remote").Inc()
		return g
	}
	s.logger.Debug("GeoIP: Remote lookup failed, using fallback", "ip", ip, "error", err)

	if g, ok := s.local(ip); ok {
		metrics.GeoResolutions.WithLabelValues("maxmind").Inc()
		return g
	}
	if g, ok := heuristicGeo(ip); ok {
		metrics.GeoResolutions.WithLabelValues("heuristic").Inc()
		return g
	}
	metrics.GeoResolutions.WithLabelValues("none").Inc()
	return Geo{}
}

func (s *GeoIPService) cached(ip string) (Geo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(ip, s.now())
}

func (s *GeoIPService) store(ip string, g Geo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if limit := s.cache.Capacity(); limit > 0 && s.cache.Len() >= limit {
		swept := s.cache.Sweep(now)
		if s.cache.Len() >= limit {
			s.cache.EvictFraction(geoEvictFraction)
		}
		s.logger.Debug("GeoIP: Pruned cache", "swept", swept, "size", s.cache.Len())
	}
	s.cache.Put(ip, g, now)
}

func (s *GeoIPService) remote(ctx context.Context, ip string) (Geo, error) {
	if s.cfg.GeoLookupURL == "" {
		return Geo{}, fmt.Errorf("%w: no lookup service configured", errGeoLookup)
	}
	if !s.quota.Allow() {
		return Geo{}, fmt.Errorf("%w: lookup quota exhausted", errGeoLookup)
	}
	return s.breaker.Execute(func() (Geo, error) {
		return s.lookup(ctx, ip)
	})
}

func (s *GeoIPService) lookup(ctx context.Context, ip string) (Geo, error) {
	ctx, cancel := context.WithTimeout(ctx, geoLookupTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(s.cfg.GeoLookupURL, "/") + "/" + url.PathEscape(ip) + "/json/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Geo{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Geo{}, fmt.Errorf("%w: %v", errGeoLookup, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Geo{}, fmt.Errorf("%w: status %d", errGeoLookup, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGeoResponseBody))
	if err != nil {
		return Geo{}, fmt.Errorf("%w: read body: %v", errGeoLookup, err)
	}

	var out geoLookupResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Geo{}, fmt.Errorf("%w: decode: %v", errGeoLookup, err)
	}
	if isTruthy(out.Error) {
		return Geo{}, fmt.Errorf("%w: %s", errGeoLookup, out.Reason)
	}
	if out.CountryCode == "" {
		return Geo{}, fmt.Errorf("%w: response has no country", errGeoLookup)
	}

	return Geo{
		Country: strings.ToLower(out.CountryCode),
		State:   strings.ToLower(out.Region),
		City:    strings.ToLower(out.City),
		Postal:  out.Postal,
	}, nil
}

func (s *GeoIPService) local(ipStr string) (Geo, bool) {
	// The read lock is held through the lookup so a reload cannot close
	// the reader underneath it.
	s.geoLock.RLock()
	defer s.geoLock.RUnlock()
	reader := s.geoReader

	if reader == nil {
		return Geo{}, false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Geo{}, false
	}

	record, err := reader.City(ip)
	if err != nil {
		s.logger.Error("GeoIP: Lookup error", "ip", ipStr, "error", err)
		return Geo{}, false
	}

	g := Geo{
		Country: strings.ToLower(record.Country.IsoCode),
		City:    strings.ToLower(record.City.Names["en"]),
		Postal:  record.Postal.Code,
	}
	if len(record.Subdivisions) > 0 {
		g.State = strings.ToLower(record.Subdivisions[0].IsoCode)
	}
	if g.Country == "" {
		return Geo{}, false
	}
	return g, true
}

func heuristicGeo(ip string) (Geo, bool) {
	for _, p := range fallbackPrefixes {
		if strings.HasPrefix(ip, p.prefix) {
			return Geo{Country: p.country}, true
		}
	}
	return Geo{}, false
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case nil:
		return false
	default:
		return true
	}
}
