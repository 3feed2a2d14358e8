package authapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetWebSessionCookies(t *testing.T) {
	h := &Handler{cfg: Config{
		WebRefreshCookieEnabled: true,
		RefreshCookieName:       "arc_refresh_token",
		CSRFCookieName:          "arc_csrf_token",
		CookiePath:              "/",
		CookieSecure:            true,
		CookieSameSite:          http.SameSiteLaxMode,
	}}

	rr := httptest.NewRecorder()
	exp := time.Now().UTC().Add(30 * time.Minute)
	csrf, err := h.setWebSessionCookies(rr, "refresh-token-123", exp)
	if err != nil {
		t.Fatalf("setWebSessionCookies: %v", err)
	}
	if csrf == "" {
		t.Fatalf("expected csrf token")
	}

	res := rr.Result()
	if len(res.Cookies()) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(res.Cookies()))
	}
}

func TestCSRFDoubleSubmitValidation(t *testing.T) {
	h := &Handler{cfg: Config{
		WebRefreshCookieEnabled: true,
		CSRFCookieName:          "arc_csrf_token",
		CSRFHeaderName:          "X-CSRF-Token",
	}}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "arc_csrf_token", Value: "csrf-abc"})
	req.Header.Set("X-CSRF-Token", "csrf-abc")

	if !h.csrfDoubleSubmitValid(req) {
		t.Fatalf("expected csrf validation success")
	}

	req.Header.Set("X-CSRF-Token", "csrf-def")
	if h.csrfDoubleSubmitValid(req) {
		t.Fatalf("expected csrf validation failure on mismatch")
	}
}

func TestRefreshTokenFromCookie(t *testing.T) {
	h := &Handler{cfg: Config{
		WebRefreshCookieEnabled: true,
		RefreshCookieName:       "arc_refresh_token",
	}}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "arc_refresh_token", Value: "tok-123"})

	token, ok := h.refreshTokenFromCookie(req)
	if !ok {
		t.Fatalf("expected cookie token to be found")
	}
	if token != "tok-123" {
		t.Fatalf("unexpected cookie token: %q", token)
	}
}

func TestRefreshTokenFromCookieDisabled(t *testing.T) {
	h := &Handler{cfg: Config{RefreshCookieName: "arc_refresh_token"}}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "arc_refresh_token", Value: "tok-123"})

	if _, ok := h.refreshTokenFromCookie(req); ok {
		t.Fatalf("cookie transport disabled, expected no token")
	}
}

func TestClearWebSessionCookies(t *testing.T) {
	h := &Handler{cfg: Config{
		WebRefreshCookieEnabled: true,
		RefreshCookieName:       "arc_refresh_token",
		CSRFCookieName:          "arc_csrf_token",
		CookiePath:              "/auth",
	}}

	rr := httptest.NewRecorder()
	h.clearWebSessionCookies(rr)

	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 expired cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge >= 0 {
			t.Fatalf("cookie %s not expired: max-age=%d", c.Name, c.MaxAge)
		}
		if c.Value != "" {
			t.Fatalf("cookie %s still carries a value", c.Name)
		}
	}
}
