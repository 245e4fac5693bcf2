package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	jwt "github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"algobounty/native/bounty"
	"algobounty/observability"
	"algobounty/observability/logging"
)

type contextKey string

const contextKeyCaller contextKey = "escrowd.caller"

// CallerFromContext returns the authenticated principal attached by the
// authenticator.
func CallerFromContext(ctx context.Context) (bounty.Principal, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(bounty.Principal)
	return caller, ok
}

// Authenticator verifies HMAC-signed JWT bearer tokens. The sub claim names
// the caller's principal.
type Authenticator struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	logger    *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.ClockSkew.Duration
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(cfg.HMACSecret)),
		issuer:    strings.TrimSpace(cfg.Issuer),
		audience:  strings.TrimSpace(cfg.Audience),
		clockSkew: skew,
		logger:    logger,
	}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "AuthenticationError", "missing bearer token")
			return
		}
		caller, err := a.Authenticate(tokenString)
		if err != nil {
			a.logger.Warn("token validation failed", "error", err.Error(), logging.MaskToken("token", tokenString))
			writeJSONError(w, http.StatusUnauthorized, "AuthenticationError", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates tokenString and returns the caller principal.
func (a *Authenticator) Authenticate(tokenString string) (bounty.Principal, error) {
	if len(a.secret) == 0 {
		return bounty.ZeroPrincipal, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return bounty.ZeroPrincipal, err
	}
	if !token.Valid {
		return bounty.ZeroPrincipal, errors.New("token invalid")
	}
	caller, err := bounty.ParsePrincipal(claims.Subject)
	if err != nil {
		return bounty.ZeroPrincipal, err
	}
	if caller.IsZero() {
		return bounty.ZeroPrincipal, errors.New("subject must not be the zero address")
	}
	return caller, nil
}

// IssueToken mints a bearer token for subject. Operators use it through the
// CLI; tests use it to authenticate requests.
func IssueToken(secret string, subject bounty.Principal, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  subject.String(),
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RateLimiter throttles mutating requests per caller, falling back to the
// client address for anonymous requests.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  5 * time.Minute,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

// Middleware rejects requests over the per-caller budget with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(visitorID(req)) {
			observability.HTTP().RecordThrottle(routePattern(req))
			writeJSONError(w, http.StatusTooManyRequests, "RateLimitError", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idleTTL {
			delete(r.visitors, key)
		}
	}
	v, ok := r.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func visitorID(r *http.Request) string {
	if caller, ok := CallerFromContext(r.Context()); ok {
		return caller.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Observability records request metrics and names the server span created
// by otelhttp after the chi route that served the request.
type Observability struct {
	logger *slog.Logger
}

func NewObservability(logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observability{logger: logger}
}

func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routePattern(r)
		span := trace.SpanFromContext(r.Context())
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attribute.String("http.route", route))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
		duration := time.Since(start)
		observability.HTTP().Observe(route, r.Method, recorder.status, duration)
		o.logger.Debug("request served",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"route", route,
			"status", recorder.status,
			"duration_ms", float64(duration.Microseconds())/1000)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
