// Package authapi serves the HTTP side of the token lifecycle.
package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/itsthenavid/arc-sockstate/auth/session"
	"github.com/itsthenavid/arc-sockstate/identity"
)

// Handler exposes the token lifecycle over HTTP: refresh rotation, single
// device logout, logout everywhere and token introspection.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	profiles identity.ProfileStore
	throttle *failureThrottle

	now func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithProfiles enables profile enrichment on /me.
func WithProfiles(p identity.ProfileStore) HandlerOption {
	return func(h *Handler) {
		if p != nil {
			h.profiles = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("auth: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		throttle: newFailureThrottle(cfg.RefreshFailMax, cfg.RefreshFailWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/me", h.handleMe)
}

// ---- handlers ----

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}

	refreshToken := strings.TrimSpace(req.RefreshToken)
	fromCookie := false
	if refreshToken == "" {
		if cookieToken, ok := h.refreshTokenFromCookie(r); ok {
			fromCookie = true
			refreshToken = cookieToken
		}
	}
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	if fromCookie && !h.csrfDoubleSubmitValid(r) {
		writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
		return
	}

	accessToken := strings.TrimSpace(req.AccessToken)
	if accessToken == "" {
		accessToken = bearerToken(r)
	}
	if accessToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "access_token is required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	ipKey := ipString(ip)
	ua := strings.TrimSpace(r.UserAgent())

	if err := h.throttle.check(ipKey, now); err != nil {
		var rl session.RefreshRateLimitError
		errors.As(err, &rl)
		h.auditRefreshRateLimited(ctx, ip, ua, rl.RetryAfter)
		writeRateLimited(w, rl.RetryAfter)
		return
	}

	issued, err := h.sessions.RotateFromRefreshToken(ctx, now, refreshToken, accessToken, strings.TrimSpace(req.ClientID), ipKey)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidRefreshToken):
			h.throttle.fail(ipKey, now)
			h.auditRefreshFailed(ctx, ip, ua, "invalid_refresh_token")
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is not valid")
		case errors.Is(err, session.ErrRevokedToken):
			h.throttle.fail(ipKey, now)
			h.auditRefreshFailed(ctx, ip, ua, "revoked")
			writeError(w, http.StatusUnauthorized, "session_revoked", "session was revoked")
		case errors.Is(err, session.ErrInvalidToken):
			h.throttle.fail(ipKey, now)
			h.auditRefreshFailed(ctx, ip, ua, "invalid_access_token")
			writeError(w, http.StatusUnauthorized, "invalid_access_token", "access token is not valid")
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.throttle.reset(ipKey)
	h.auditRefreshSuccess(ctx, issued.Subject, ip, ua)

	resp := refreshResponse{Subject: issued.Subject, Tokens: toTokensResponse(issued)}
	if fromCookie {
		csrf, err := h.setWebSessionCookies(w, issued.RefreshToken, issued.RefreshExp)
		if err != nil {
			h.log.Error("auth.refresh.web_cookie.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		resp.Tokens.RefreshToken = ""
		resp.Tokens.CSRFToken = csrf
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}

	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		cookieToken, ok := h.refreshTokenFromCookie(r)
		if ok && !h.csrfDoubleSubmitValid(r) {
			writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
			return
		}
		refreshToken = cookieToken
	}
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	if err := h.sessions.RevokeRefreshToken(ctx, refreshToken); err != nil {
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogout(ctx, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	h.clearWebSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.sessions.RevokeAllSessions(ctx, h.now(), claims.Subject); err != nil {
		h.log.Error("auth.logout_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogoutAll(ctx, claims.Subject, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	h.clearWebSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	resp := meResponse{
		Identity: claims.Subject,
		TokenID:  claims.TokenID,
		IssuedAt: claims.IssuedAt,
	}
	if claims.Expires() {
		exp := claims.ExpiresAt
		resp.ExpiresAt = &exp
	}

	if h.profiles != nil {
		p, err := h.profiles.FindByID(r.Context(), claims.Subject)
		if err != nil {
			h.log.Error("auth.me.profile.fail", "err", err, "identity", claims.Subject)
			writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
			return
		}
		if p != nil {
			resp.Profile = toProfileResponse(p)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.ValidateAccessToken(r.Context(), tok, h.now())
	if err != nil {
		if session.IsTokenRejection(err) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return session.AccessClaims{}, false
		}
		h.log.Error("auth.validate.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return session.AccessClaims{}, false
	}
	return claims, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func toTokensResponse(issued session.Issued) tokensResponse {
	out := tokensResponse{
		AccessToken:      issued.AccessToken,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
	}
	if !issued.AccessExp.IsZero() {
		exp := issued.AccessExp
		out.AccessExpiresAt = &exp
	}
	return out
}

func toProfileResponse(p *identity.Profile) *profileResponse {
	return &profileResponse{
		ID:          p.ID,
		Username:    p.Username,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Bio:         p.Bio,
		CreatedAt:   p.CreatedAt,
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
