// Package reqctx carries per-request metadata (request id, client address,
// user agent, tenant) on a context.Context so audit records and log lines can
// be attributed without threading extra parameters through every call.
package reqctx

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	metaKey ctxKey = iota
	tenantKey
)

// Meta describes the client request that triggered a vault operation.
type Meta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// WithMeta returns a context carrying m. Surrounding whitespace is trimmed.
func WithMeta(ctx context.Context, m Meta) context.Context {
	m.RequestID = strings.TrimSpace(m.RequestID)
	m.IPAddress = strings.TrimSpace(m.IPAddress)
	m.UserAgent = strings.TrimSpace(m.UserAgent)
	return context.WithValue(ctx, metaKey, m)
}

// MetaFrom extracts request metadata, or the zero Meta if absent.
func MetaFrom(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	m, _ := ctx.Value(metaKey).(Meta)
	return m
}

// WithTenantID records the authenticated tenant for log correlation only.
// Vault operations take their tenant from an explicit TenantContext argument.
func WithTenantID(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantID extracts the tenant recorded by WithTenantID.
func TenantID(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(tenantKey).(int64)
	return v, ok
}

// CorrelationHandler wraps an slog.Handler and adds request_id and tenant_id
// from the context to every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation attribute injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if rid := MetaFrom(ctx).RequestID; rid != "" {
		r.AddAttrs(slog.String("request_id", rid))
	}
	if tid, ok := TenantID(ctx); ok {
		r.AddAttrs(slog.Int64("tenant_id", tid))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
