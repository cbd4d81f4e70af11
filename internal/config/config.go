package config

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppEnv string `mapstructure:"APP_ENV"`
	Port   string `mapstructure:"PORT"`

	// Conversions API
	PixelID       string        `mapstructure:"PIXEL_ID"`
	AccessToken   string        `mapstructure:"ACCESS_TOKEN"`
	CAPIBaseURL   string        `mapstructure:"CAPI_BASE_URL"`
	CAPIVersion   string        `mapstructure:"CAPI_VERSION"`
	TestEventCode string        `mapstructure:"TEST_EVENT_CODE"`
	CAPITimeout   time.Duration `mapstructure:"CAPI_TIMEOUT"`

	// Geo enrichment
	GeoLookupURL    string        `mapstructure:"GEO_LOOKUP_URL"`
	GeoLookupRPS    float64       `mapstructure:"GEO_LOOKUP_RPS"`
	MaxMindDBPath   string        `mapstructure:"GEOIP_DB_PATH"`
	GeoCacheTTL     time.Duration `mapstructure:"GEO_CACHE_TTL"`
	GeoCacheMaxSize int           `mapstructure:"GEO_CACHE_MAX_SIZE"`

	// Dedup and rate limiting
	DedupTTL         time.Duration `mapstructure:"DEDUP_TTL"`
	DedupMaxSize     int           `mapstructure:"DEDUP_MAX_SIZE"`
	RateLimit        int           `mapstructure:"RATE_LIMIT"`
	RateLimitMaxKeys int           `mapstructure:"RATE_LIMIT_MAX_KEYS"`

	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	WebhookToken   string `mapstructure:"WEBHOOK_TOKEN"`
	FilterBots     bool   `mapstructure:"FILTER_BOTS"`
}

func LoadConfig() (config Config, err error) {
	v := viper.New()
	v.SetDefault("APP_ENV", "local")
	v.SetDefault("PORT", "8080")
	v.SetDefault("PIXEL_ID", "")
	v.SetDefault("ACCESS_TOKEN", "")
	v.SetDefault("CAPI_BASE_URL", "https://graph.facebook.com")
	v.SetDefault("CAPI_VERSION", "v21.0")
	v.SetDefault("TEST_EVENT_CODE", "")
	v.SetDefault("CAPI_TIMEOUT", "15s")
	v.SetDefault("GEO_LOOKUP_URL", "https://ipapi.co")
	v.SetDefault("GEO_LOOKUP_RPS", 1.0)
	v.SetDefault("GEOIP_DB_PATH", "")
	v.SetDefault("GEO_CACHE_TTL", "24h")
	v.SetDefault("GEO_CACHE_MAX_SIZE", 1000)
	v.SetDefault("DEDUP_TTL", "6h")
	v.SetDefault("DEDUP_MAX_SIZE", 10000)
	v.SetDefault("RATE_LIMIT", 100)
	v.SetDefault("RATE_LIMIT_MAX_KEYS", 10000)
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("WEBHOOK_TOKEN", "")
	v.SetDefault("FILTER_BOTS", false)

	v.AutomaticEnv()

	err = v.Unmarshal(&config)
	if err != nil {
		log.Printf("unable to decode into struct, %v", err)
		return
	}

	return
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.AppEnv == "production" {
		if c.PixelID == "" {
			errs = append(errs, errors.New("PIXEL_ID is required in production"))
		}
		if c.AccessToken == "" {
			errs = append(errs, errors.New("ACCESS_TOKEN is required in production"))
		}
	}
	if c.DedupTTL <= 0 {
		errs = append(errs, errors.New("DEDUP_TTL must be positive"))
	}
	if c.GeoCacheTTL <= 0 {
		errs = append(errs, errors.New("GEO_CACHE_TTL must be positive"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Origins splits ALLOWED_ORIGINS into its comma-separated entries.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES. Entries are CIDRs or single
// addresses. An empty list means forwarding headers are trusted from any peer.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range strings.Split(c.TrustedProxies, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
