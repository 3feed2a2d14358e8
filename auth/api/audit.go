package authapi

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Audit events are structured log records under "auth.audit", one action each.

func (h *Handler) auditRefreshSuccess(ctx context.Context, identity string, ip net.IP, ua string) {
	h.audit(ctx, "auth.refresh.success", identity, ip, ua)
}

func (h *Handler) auditRefreshFailed(ctx context.Context, ip net.IP, ua string, reason string) {
	h.audit(ctx, "auth.refresh.failed", "", ip, ua, slog.String("reason", reason))
}

func (h *Handler) auditRefreshRateLimited(ctx context.Context, ip net.IP, ua string, retryAfter time.Duration) {
	h.audit(ctx, "auth.refresh.rate_limited", "", ip, ua, slog.Int64("retry_after_s", int64(retryAfter.Seconds())))
}

func (h *Handler) auditLogout(ctx context.Context, ip net.IP, ua string) {
	h.audit(ctx, "auth.logout", "", ip, ua)
}

func (h *Handler) auditLogoutAll(ctx context.Context, identity string, ip net.IP, ua string) {
	h.audit(ctx, "auth.logout_all", identity, ip, ua)
}

func (h *Handler) audit(ctx context.Context, action, identity string, ip net.IP, ua string, extra ...slog.Attr) {
	attrs := make([]slog.Attr, 0, 4+len(extra))
	attrs = append(attrs, slog.String("action", action))
	if identity != "" {
		attrs = append(attrs, slog.String("identity", identity))
	}
	if ip != nil {
		attrs = append(attrs, slog.String("ip", ip.String()))
	}
	if ua != "" {
		attrs = append(attrs, slog.String("user_agent", truncate(ua, 256)))
	}
	attrs = append(attrs, extra...)
	h.log.LogAttrs(ctx, slog.LevelInfo, "auth.audit", attrs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
