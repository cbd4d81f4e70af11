package services

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"capproxy/internal/config"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
)

type mockGeoIPReader struct {
	cityFunc  func(ip net.IP) (*geoip2.City, error)
	closeFunc func() error
}

func (m *mockGeoIPReader) City(ip net.IP) (*geoip2.City, error) { return m.cityFunc(ip) }
func (m *mockGeoIPReader) Close() error {
	if m.closeFunc == nil {
		return nil
	}
	return m.closeFunc()
}

func geoServer(t *testing.T, hits *int32, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGeoService(url string) *GeoIPService {
	return NewGeoIPService(config.Config{
		GeoLookupURL:    url,
		GeoCacheTTL:     24 * time.Hour,
		GeoCacheMaxSize: 100,
	}, slog.Default())
}

func TestNewGeoIPService(t *testing.T) {
	cfg := config.Config{}
	logger := slog.Default()
	service := NewGeoIPService(cfg, logger)

	assert.NotNil(t, service)
	assert.Equal(t, cfg, service.cfg)
	assert.Equal(t, logger, service.logger)
	assert.Equal(t, 24*time.Hour, service.cache.TTL())
}

func TestGeoIPService_Resolve_Remote(t *testing.T) {
	var hits int32
	srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/8.8.8.8/json/", r.URL.Path)
		w.Write([]byte(`{"ip":"8.8.8.8","country_code":"US","region":"California","city":"Mountain View","postal":"94043"}`))
	})
	service := newTestGeoService(srv.URL)

	g := service.Resolve(context.Background(), "8.8.8.8")
	assert.Equal(t, Geo{Country: "us", State: "california", City: "mountain view", Postal: "94043"}, g)

	t.Run("Second Call Served From Cache", func(t *testing.T) {
		assert.Equal(t, g, service.Resolve(context.Background(), "8.8.8.8"))
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("Cache Entry Expires", func(t *testing.T) {
		service.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
		defer func() { service.now = time.Now }()
		service.Resolve(context.Background(), "8.8.8.8")
		assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	})
}

func TestGeoIPService_Resolve_Fallback(t *testing.T) {
	t.Run("Lookup Error Uses Prefix Heuristic", func(t *testing.T) {
		var hits int32
		srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		service := newTestGeoService(srv.URL)

		assert.Equal(t, Geo{Country: "br"}, service.Resolve(context.Background(), "200.1.2.3"))
		assert.Equal(t, 0, service.cache.Len(), "fallback answers are not cached")
	})

	t.Run("Error Field", func(t *testing.T) {
		var hits int32
		srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":true,"reason":"RateLimited"}`))
		})
		service := newTestGeoService(srv.URL)
		assert.Equal(t, Geo{Country: "br"}, service.Resolve(context.Background(), "200.1.2.3"))
	})

	t.Run("Malformed Response", func(t *testing.T) {
		var hits int32
		srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		})
		service := newTestGeoService(srv.URL)
		assert.Equal(t, Geo{}, service.Resolve(context.Background(), "8.8.4.4"))
	})

	t.Run("Timeout", func(t *testing.T) {
		var hits int32
		srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		})
		service := newTestGeoService(srv.URL)
		service.client.Timeout = 20 * time.Millisecond
		assert.Equal(t, Geo{Country: "br"}, service.Resolve(context.Background(), "200.1.2.3"))
	})

	t.Run("Local Database Before Heuristic", func(t *testing.T) {
		service := newTestGeoService("")
		service.geoReader = &mockGeoIPReader{
			cityFunc: func(ip net.IP) (*geoip2.City, error) {
				rec := &geoip2.City{}
				rec.Country.IsoCode = "AR"
				rec.City.Names = map[string]string{"en": "Buenos Aires"}
				rec.Postal.Code = "C1000"
				return rec, nil
			},
		}
		assert.Equal(t, Geo{Country: "ar", City: "buenos aires", Postal: "C1000"}, service.Resolve(context.Background(), "200.1.2.3"))
	})

	t.Run("Local Database Error", func(t *testing.T) {
		service := newTestGeoService("")
		service.geoReader = &mockGeoIPReader{
			cityFunc: func(ip net.IP) (*geoip2.City, error) { return nil, errors.New("db error") },
		}
		assert.Equal(t, Geo{Country: "br"}, service.Resolve(context.Background(), "201.5.5.5"))
	})
}

func TestGeoIPService_Resolve_SkipsPrivate(t *testing.T) {
	var hits int32
	srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country_code":"US"}`))
	})
	service := newTestGeoService(srv.URL)

	for _, ip := range []string{"10.0.0.1", "127.0.0.1", "::1", "", "not-an-ip"} {
		assert.Equal(t, Geo{}, service.Resolve(context.Background(), ip), ip)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestGeoIPService_CircuitBreaker(t *testing.T) {
	var hits int32
	srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	service := newTestGeoService(srv.URL)

	for i := 0; i < 8; i++ {
		assert.Equal(t, Geo{Country: "br"}, service.Resolve(context.Background(), "177.0.0.1"))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "breaker opens after five consecutive failures")
}

func TestGeoIPService_Quota(t *testing.T) {
	var hits int32
	srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country_code":"BR"}`))
	})
	service := NewGeoIPService(config.Config{GeoLookupURL: srv.URL, GeoLookupRPS: 0.001}, slog.Default())

	for _, ip := range []string{"8.8.8.1", "8.8.8.2", "8.8.8.3", "8.8.8.4", "8.8.8.5", "8.8.8.6", "8.8.8.7"} {
		service.Resolve(context.Background(), ip)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "burst of five then the quota holds")
}

func TestGeoIPService_CacheBound(t *testing.T) {
	var hits int32
	srv := geoServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country_code":"US"}`))
	})
	service := NewGeoIPService(config.Config{GeoLookupURL: srv.URL, GeoCacheMaxSize: 10}, slog.Default())

	for i := 1; i <= 30; i++ {
		service.Resolve(context.Background(), "8.8.8."+strconv.Itoa(i))
		assert.LessOrEqual(t, service.cache.Len(), 10)
	}
}

func TestGeoIPService_Init_Disabled(t *testing.T) {
	service := NewGeoIPService(config.Config{}, slog.Default())
	service.Init()
	assert.Nil(t, service.geoReader)
}

func TestGeoIPService_Init_InvalidPath(t *testing.T) {
	service := NewGeoIPService(config.Config{MaxMindDBPath: "/invalid/path/to/db.mmdb"}, slog.Default())
	service.Init()
	assert.Nil(t, service.geoReader)
}

func TestGeoIPService_ReloadReader(t *testing.T) {
	t.Run("Failed Open Keeps Current Reader", func(t *testing.T) {
		service := NewGeoIPService(config.Config{}, slog.Default())
		closed := false
		current := &mockGeoIPReader{
			closeFunc: func() error {
				closed = true
				return nil
			},
		}
		service.geoReader = current

		service.reloadReader("non-existent")
		assert.False(t, closed)
		assert.Same(t, current, service.geoReader)
	})

	t.Run("Successful Open Swaps And Closes Old", func(t *testing.T) {
		service := NewGeoIPService(config.Config{}, slog.Default())
		closed := false
		service.geoReader = &mockGeoIPReader{
			closeFunc: func() error {
				closed = true
				return nil
			},
		}
		next := &mockGeoIPReader{}
		service.openDB = func(string) (geoReader, error) { return next, nil }

		service.reloadReader("fresh.mmdb")
		assert.True(t, closed)
		assert.Same(t, next, service.geoReader)
	})

	t.Run("Waits For In-Flight Lookup", func(t *testing.T) {
		service := NewGeoIPService(config.Config{}, slog.Default())
		entered := make(chan struct{})
		release := make(chan struct{})
		var closed atomic.Bool
		service.geoReader = &mockGeoIPReader{
			cityFunc: func(ip net.IP) (*geoip2.City, error) {
				close(entered)
				<-release
				assert.False(t, closed.Load(), "reader closed during lookup")
				rec := &geoip2.City{}
				rec.Country.IsoCode = "AR"
				return rec, nil
			},
			closeFunc: func() error {
				closed.Store(true)
				return nil
			},
		}
		service.openDB = func(string) (geoReader, error) { return &mockGeoIPReader{}, nil }

		done := make(chan Geo)
		go func() {
			g, _ := service.local("200.1.2.3")
			done <- g
		}()
		<-entered

		reloaded := make(chan struct{})
		go func() {
			service.reloadReader("fresh.mmdb")
			close(reloaded)
		}()

		select {
		case <-reloaded:
			t.Fatal("reload finished while a lookup was using the old reader")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		assert.Equal(t, "ar", (<-done).Country)
		<-reloaded
		assert.True(t, closed.Load())
	})
}

func TestGeoIPService_StartReloader_Stop(t *testing.T) {
	service := NewGeoIPService(config.Config{MaxMindDBPath: "invalid"}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		service.StartReloader(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reloader did not stop")
	}
}

func TestGeoIPService_StartReloader_Disabled(t *testing.T) {
	service := NewGeoIPService(config.Config{}, slog.Default())
	service.StartReloader(context.Background(), time.Millisecond) // Should return immediately
}
