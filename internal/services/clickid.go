package services

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	FBCCookieName   = "_fbc"
	fbcCookieMaxAge = 90 * 24 * time.Hour
)

var (
	structuredFBC = regexp.MustCompile(`^fb\.\d+\.\d{10,13}\..+$`)
	bareClickID   = regexp.MustCompile(`^[A-Za-z0-9_-]{10,500}$`)
)

// ExtractClickID returns the click id from the first fbclid query parameter
// found on urls, or else from a fb-tagged cookie value. The id is returned
// exactly as found.
func ExtractClickID(urls []string, cookie string) (string, bool) {
	for _, raw := range urls {
		if id, ok := fbclidFromURL(raw); ok {
			return id, true
		}
	}
	return ClickIDFromFBC(cookie)
}

// ClickIDFromFBC returns the fourth and later dot segments of a value
// tagged "fb".
func ClickIDFromFBC(fbc string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(fbc), ".", 4)
	if len(parts) < 4 || parts[0] != "fb" || parts[3] == "" {
		return "", false
	}
	return parts[3], true
}

func fbclidFromURL(raw string) (string, bool) {
	if raw == "" || !strings.Contains(raw, "fbclid=") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	// Query().Get would unescape '+' into a space; the id is kept verbatim.
	for _, pair := range strings.Split(u.RawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k != "fbclid" || v == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(v); err == nil {
			v = unescaped
		}
		if v = strings.TrimSpace(v); v != "" {
			return v, true
		}
	}
	return "", false
}

// CanonicalizeFBC turns raw into the structured fb.<idx>.<ms>.<id> form
// when it is recognisably a click id. Anything it does not recognise is
// returned unchanged.
func CanonicalizeFBC(raw string, now time.Time) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return raw
	}
	if structuredFBC.MatchString(v) {
		return v
	}
	if bareClickID.MatchString(v) {
		return BuildFBC(v, now)
	}
	if rest, ok := strings.CutPrefix(v, "fbclid="); ok && bareClickID.MatchString(rest) {
		return BuildFBC(rest, now)
	}
	return raw
}

// BuildFBC wraps a click id as fb.1.<now_ms>.<clickID>.
func BuildFBC(clickID string, now time.Time) string {
	return "fb.1." + strconv.FormatInt(now.UnixMilli(), 10) + "." + clickID
}

// FBCCookie returns the _fbc cookie to set for clickID, or false when the
// existing cookie already encodes the same id.
func FBCCookie(clickID, existing string, now time.Time) (*http.Cookie, bool) {
	if clickID == "" {
		return nil, false
	}
	if current, ok := ClickIDFromFBC(existing); ok && current == clickID {
		return nil, false
	}
	return &http.Cookie{
		Name:     FBCCookieName,
		Value:    BuildFBC(clickID, now),
		Path:     "/",
		Expires:  now.Add(fbcCookieMaxAge),
		MaxAge:   int(fbcCookieMaxAge / time.Second),
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}, true
}
