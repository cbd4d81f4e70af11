package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"capproxy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	return r
}

func TestRequestID(t *testing.T) {
	r := newTestEngine(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	t.Run("Generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/", nil)
		r.ServeHTTP(w, req)

		id := w.Header().Get(RequestIDHeader)
		assert.Len(t, id, 36)
		assert.Equal(t, id, w.Body.String())
	})

	t.Run("Propagated", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-id")
		r.ServeHTTP(w, req)

		assert.Equal(t, "upstream-id", w.Header().Get(RequestIDHeader))
	})
}

func TestCORS(t *testing.T) {
	t.Run("Wildcard", func(t *testing.T) {
		r := newTestEngine(CORS([]string{"*"}))
		r.POST("/api/events", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/api/events", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("Named Origin", func(t *testing.T) {
		r := newTestEngine(CORS([]string{"https://shop.example"}))
		r.POST("/api/events", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/api/events", nil)
		req.Header.Set("Origin", "https://shop.example")
		r.ServeHTTP(w, req)
		assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

		w = httptest.NewRecorder()
		req, _ = http.NewRequest("POST", "/api/events", nil)
		req.Header.Set("Origin", "https://evil.example")
		r.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("Preflight", func(t *testing.T) {
		r := newTestEngine(CORS([]string{"*"}))
		r.POST("/api/events", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("OPTIONS", "/api/events", nil)
		req.Header.Set("Origin", "https://shop.example")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	})
}

func TestClientIP(t *testing.T) {
	r := newTestEngine(ClientIP(nil))
	var got services.ResolvedIP
	r.GET("/", func(c *gin.Context) {
		got = GetClientIP(c)
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    services.ResolvedIP
	}{
		{
			name:    "Cloudflare Header First",
			headers: map[string]string{"CF-Connecting-IP": "203.0.113.7", "X-Forwarded-For": "198.51.100.1"},
			remote:  "10.0.0.1:1234",
			want:    services.ResolvedIP{Address: "203.0.113.7", Kind: services.IPKindV4},
		},
		{
			name:    "Public IPv6 Beats Earlier IPv4",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 2001:db8::1"},
			remote:  "10.0.0.1:1234",
			want:    services.ResolvedIP{Address: "2001:db8::1", Kind: services.IPKindV6},
		},
		{
			name:   "Private Peer Only",
			remote: "10.0.0.1:1234",
			want:   services.ResolvedIP{Address: "10.0.0.1", Kind: services.IPKindUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientIP_TrustedProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	r := newTestEngine(ClientIP(trusted))
	var got services.ResolvedIP
	r.GET("/", func(c *gin.Context) {
		got = GetClientIP(c)
		c.Status(http.StatusOK)
	})

	t.Run("Headers From Trusted Proxy", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.1.2.3:443"
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		r.ServeHTTP(w, req)
		assert.Equal(t, services.ResolvedIP{Address: "203.0.113.7", Kind: services.IPKindV4}, got)
	})

	t.Run("Spoofed Headers From Direct Client", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/", nil)
		req.RemoteAddr = "198.51.100.9:5555"
		req.Header.Set("X-Forwarded-For", "2001:db8::dead")
		req.Header.Set("CF-Connecting-IP", "2001:db8::beef")
		r.ServeHTTP(w, req)
		assert.Equal(t, services.ResolvedIP{Address: "198.51.100.9", Kind: services.IPKindV4}, got)
	})
}
