package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Failed refresh attempts tolerated per client IP inside RefreshFailWindow.
	RefreshFailMax    int
	RefreshFailWindow time.Duration

	// Web clients may carry the refresh token in an HttpOnly cookie guarded by
	// a double-submit CSRF token instead of the JSON body.
	WebRefreshCookieEnabled bool
	RefreshCookieName       string
	CSRFCookieName          string
	CSRFHeaderName          string
	CookiePath              string
	CookieDomain            string
	CookieSecure            bool
	CookieSameSite          http.SameSite
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:        envBool("ARC_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:      envInt64("ARC_AUTH_MAX_BODY_BYTES", 64<<10),
		RefreshFailMax:    envInt("ARC_AUTH_REFRESH_FAIL_MAX", 10),
		RefreshFailWindow: envDuration("ARC_AUTH_REFRESH_FAIL_WINDOW", 5*time.Minute),

		WebRefreshCookieEnabled: envBool("ARC_AUTH_WEB_REFRESH_COOKIE", false),
		RefreshCookieName:       envString("ARC_AUTH_REFRESH_COOKIE_NAME", "arc_refresh_token"),
		CSRFCookieName:          envString("ARC_AUTH_CSRF_COOKIE_NAME", "arc_csrf_token"),
		CSRFHeaderName:          envString("ARC_AUTH_CSRF_HEADER_NAME", "X-CSRF-Token"),
		CookiePath:              envString("ARC_AUTH_COOKIE_PATH", "/auth"),
		CookieDomain:            envString("ARC_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:            envBool("ARC_AUTH_COOKIE_SECURE", true),
		CookieSameSite:          parseSameSite(envString("ARC_AUTH_COOKIE_SAMESITE", "lax")),
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}
	if cfg.CSRFCookieName == cfg.RefreshCookieName {
		cfg.CSRFCookieName = cfg.RefreshCookieName + "_csrf"
	}

	return cfg
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
