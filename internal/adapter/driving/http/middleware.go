package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/credvault/internal/domain/model"
	"github.com/ericfisherdev/credvault/internal/ids"
	"github.com/ericfisherdev/credvault/internal/reqctx"
)

// statusWriter wraps http.ResponseWriter to capture the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code and delegates to the embedded writer.
func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

// recoveryMiddleware recovers from panics in HTTP handlers, logs the error,
// and returns a 500 response.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.ErrorContext(r.Context(), "panic recovered",
					"panic", v,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// maxRequestIDLength bounds client supplied request ids.
const maxRequestIDLength = 128

// requestMetaMiddleware attaches the request id, client address and user
// agent to the request context for audit records and log correlation. A
// missing or oversized X-Request-ID is replaced by a fresh ULID, which is
// echoed back in the response.
func requestMetaMiddleware(proxies *ProxyTrust, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = ids.New()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := reqctx.WithMeta(r.Context(), reqctx.Meta{
			RequestID: requestID,
			IPAddress: proxies.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ProxyTrust decides whose X-Forwarded-For header is believed. The client
// address recorded in audit records is the connection peer unless that peer
// is a trusted proxy. A nil ProxyTrust trusts no one.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// NewProxyTrust trusts peers inside any of prefixes.
func NewProxyTrust(prefixes []netip.Prefix) *ProxyTrust {
	return &ProxyTrust{prefixes: prefixes}
}

func (p *ProxyTrust) trusts(addr netip.Addr) bool {
	if p == nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address of the client behind r. When the peer is a
// trusted proxy, X-Forwarded-For is walked from the nearest hop outwards and
// the first untrusted address wins; a malformed hop stops the walk.
func (p *ProxyTrust) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !p.trusts(peer) {
		return host
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop
		if !p.trusts(hop) {
			break
		}
	}
	return client.Unmap().String()
}

// --- Authentication ---

// Claims are the JWT claims a caller presents. The tenant context is built
// from these alone.
type Claims struct {
	TenantID     int64 `json:"tenant_id"`
	TenantActive bool  `json:"tenant_active"`
	jwt.RegisteredClaims
}

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator for tokens signed with secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

// Authenticate verifies the bearer token on r and returns the tenant it
// names.
func (a *Authenticator) Authenticate(r *http.Request) (model.TenantContext, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return model.TenantContext{}, errUnauthenticated
	}

	var claims Claims
	parsed, err := a.parser.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return model.TenantContext{}, errUnauthenticated
	}
	if claims.TenantID <= 0 {
		return model.TenantContext{}, errUnauthenticated
	}

	return model.TenantContext{TenantID: claims.TenantID, IsActive: claims.TenantActive}, nil
}

type tenantKey struct{}

func withTenant(ctx context.Context, tenant model.TenantContext) context.Context {
	ctx = reqctx.WithTenantID(ctx, tenant.TenantID)
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// tenantFrom returns the authenticated tenant. Handlers behind
// authMiddleware always have one.
func tenantFrom(ctx context.Context) (model.TenantContext, bool) {
	tenant, ok := ctx.Value(tenantKey{}).(model.TenantContext)
	return tenant, ok
}

// authMiddleware rejects requests without a valid bearer token and stores
// the verified tenant on the context.
func authMiddleware(auth *Authenticator, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := auth.Authenticate(r)
		if err != nil {
			logger.DebugContext(r.Context(), "authentication rejected", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="credvault"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
	})
}

// --- Rate limiting ---

// SuspicionFunc reports whether a tenant's recent activity looks abusive.
type SuspicionFunc func(ctx context.Context, tenantID int64) bool

// RateLimitConfig sizes the per-tenant token buckets.
type RateLimitConfig struct {
	Rate  float64 // tokens per second
	Burst int

	// SuspiciousDivisor divides Rate for flagged tenants, whose burst drops
	// to one.
	SuspiciousDivisor float64
	// RecheckInterval is how long a suspicion verdict is reused.
	RecheckInterval time.Duration
	// IdleTTL evicts buckets of tenants that have gone quiet.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the limits used when only rate and burst
// are configured.
func DefaultRateLimitConfig(perSecond float64, burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:              perSecond,
		Burst:             burst,
		SuspiciousDivisor: 10,
		RecheckInterval:   time.Minute,
		IdleTTL:           10 * time.Minute,
	}
}

type tenantBucket struct {
	lim       *rate.Limiter
	flagged   bool
	checkedAt time.Time
	seen      time.Time
}

// RateLimiter is a token bucket per tenant. Tenants flagged by the
// suspicion check get a tighter bucket until a later check clears them.
type RateLimiter struct {
	cfg        RateLimitConfig
	suspicious SuspicionFunc
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	buckets   map[int64]*tenantBucket
	lastSweep time.Time
}

// NewRateLimiter creates a RateLimiter. A nil suspicious never flags.
func NewRateLimiter(cfg RateLimitConfig, suspicious SuspicionFunc, logger *slog.Logger) *RateLimiter {
	if suspicious == nil {
		suspicious = func(context.Context, int64) bool { return false }
	}
	if cfg.SuspiciousDivisor < 1 {
		cfg.SuspiciousDivisor = 1
	}
	return &RateLimiter{
		cfg:        cfg,
		suspicious: suspicious,
		logger:     logger,
		now:        time.Now,
		buckets:    make(map[int64]*tenantBucket),
	}
}

// Allow takes one token from the tenant's bucket.
func (l *RateLimiter) Allow(ctx context.Context, tenantID int64) bool {
	now := l.now()

	l.mu.Lock()
	b, recheck := l.bucket(tenantID, now)
	l.mu.Unlock()

	// The suspicion check reads the audit store; keep it outside the lock.
	if recheck {
		flagged := l.suspicious(ctx, tenantID)

		l.mu.Lock()
		b.checkedAt = now
		if flagged != b.flagged {
			b.flagged = flagged
			l.applyLimits(b, now)
			l.logger.InfoContext(ctx, "tenant rate limit adjusted", "tenant_id", tenantID, "suspicious", flagged)
		}
		l.mu.Unlock()
	}

	return b.lim.AllowN(now, 1)
}

// bucket returns the tenant's bucket, creating it if needed, and whether its
// suspicion verdict is stale. Callers hold l.mu.
func (l *RateLimiter) bucket(tenantID int64, now time.Time) (*tenantBucket, bool) {
	if now.Sub(l.lastSweep) > l.cfg.IdleTTL {
		for id, b := range l.buckets {
			if now.Sub(b.seen) > l.cfg.IdleTTL {
				delete(l.buckets, id)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[tenantID]
	if !ok {
		b = &tenantBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[tenantID] = b
	}
	b.seen = now
	return b, b.checkedAt.IsZero() || now.Sub(b.checkedAt) >= l.cfg.RecheckInterval
}

func (l *RateLimiter) applyLimits(b *tenantBucket, now time.Time) {
	if b.flagged {
		b.lim.SetLimitAt(now, rate.Limit(l.cfg.Rate/l.cfg.SuspiciousDivisor))
		b.lim.SetBurstAt(now, 1)
		return
	}
	b.lim.SetLimitAt(now, rate.Limit(l.cfg.Rate))
	b.lim.SetBurstAt(now, l.cfg.Burst)
}

// rateLimitMiddleware answers 429 when the authenticated tenant has no
// tokens left. It must run after authMiddleware.
func rateLimitMiddleware(limiter *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := tenantFrom(r.Context())
		if ok && !limiter.Allow(r.Context(), tenant.TenantID) {
			retry := 1.0
			if limiter.cfg.Rate > 0 {
				retry = math.Max(1, math.Ceil(1/limiter.cfg.Rate))
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
