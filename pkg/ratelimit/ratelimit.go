// Package ratelimit enforces tier-driven monthly request budgets across
// both long-lived API keys and short-lived JWTs, against a shared Redis
// counter so the limit holds across every gateway instance. Enterprise-tier
// principals are unlimited; every other tier's budget comes from the
// domain.Tier monthly-budget table or, for API keys, the key's own
// rate_limit_requests override.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
)

// windowSeconds is the fixed rolling-window length the spec reports in the
// X-RateLimit-Window header, independent of how many days are actually left
// in the current calendar month.
const windowSeconds = 30 * 24 * 60 * 60 // 2,592,000

// AuthMethod identifies which credential kind a request authenticated with,
// for the X-RateLimit-AuthMethod header and the counter key namespace.
type AuthMethod string

const (
	AuthMethodAPIKey AuthMethod = "api_key"
	AuthMethodJWT    AuthMethod = "jwt"
)

// Header names written to every response from a rate-limited route.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderWindow     = "X-RateLimit-Window"
	HeaderTier       = "X-RateLimit-Tier"
	HeaderAuthMethod = "X-RateLimit-AuthMethod"
	HeaderRetryAfter = "Retry-After"
)

// Principal is the caller being checked: a user authenticating with a JWT,
// or an API key. ExplicitLimit overrides the tier's default budget (set
// from ApiKey.RateLimitRequests); it is nil for JWT principals, who are
// always bound by their user tier's budget.
type Principal struct {
	ID            string
	Tier          domain.Tier
	AuthMethod    AuthMethod
	ExplicitLimit *int64
}

// Result is the outcome of a rate-limit check, shaped to populate the
// response headers directly.
type Result struct {
	Limited     bool
	Limit       int64 // 0 when Unlimited
	Remaining   int64
	ResetAt     time.Time
	Unlimited   bool
	Tier        domain.Tier
	AuthMethod  AuthMethod
}

// Headers renders r as the X-RateLimit-* (and, if limited, Retry-After)
// header set to attach to an HTTP response.
func (r Result) Headers(now time.Time) map[string]string {
	h := map[string]string{
		HeaderWindow:     fmt.Sprintf("%d", windowSeconds),
		HeaderTier:       string(r.Tier),
		HeaderAuthMethod: string(r.AuthMethod),
	}
	if r.Unlimited {
		h[HeaderLimit] = "unlimited"
		h[HeaderRemaining] = "unlimited"
		return h
	}
	h[HeaderLimit] = fmt.Sprintf("%d", r.Limit)
	h[HeaderRemaining] = fmt.Sprintf("%d", r.Remaining)
	h[HeaderReset] = fmt.Sprintf("%d", r.ResetAt.Unix())
	if r.Limited {
		h[HeaderRetryAfter] = fmt.Sprintf("%d", int64(r.ResetAt.Sub(now).Seconds()))
	}
	return h
}

// Limiter checks and increments per-principal monthly usage counters
// against a shared Redis instance.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	clock  func() time.Time
}

// NewLimiter builds a Limiter over rdb. keyPrefix namespaces counter keys
// (e.g. "fitsync:ratelimit:") so the gateway can share a Redis instance with
// other subsystems.
func NewLimiter(rdb *redis.Client, keyPrefix string) *Limiter {
	return &Limiter{rdb: rdb, prefix: keyPrefix, clock: func() time.Time { return time.Now().UTC() }}
}

// CheckAndIncrement atomically increments p's counter for the current
// calendar month and reports whether the request that triggered this check
// should be allowed. The counter still increments on an over-limit request
// (mirroring "reads have already happened by the time we can reject them"),
// matching the teacher corpus's count-then-compare idiom rather than a
// check-then-increment one that would let two racing requests both slip
// through at the boundary.
func (l *Limiter) CheckAndIncrement(ctx context.Context, p Principal) (Result, error) {
	if limit, unlimited := p.Tier.MonthlyBudget(); unlimited {
		_ = limit
		return Result{Unlimited: true, Tier: p.Tier, AuthMethod: p.AuthMethod}, nil
	}

	now := l.clock()
	windowStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	resetAt := windowStart.AddDate(0, 1, 0)

	limit := l.limitFor(p)

	key := l.counterKey(p, windowStart)
	count, err := l.incrementWithExpiry(ctx, key, resetAt)
	if err != nil {
		return Result{}, apierrors.NewDatabaseError("incrementing rate-limit counter", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Limited:    count > limit,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		Tier:       p.Tier,
		AuthMethod: p.AuthMethod,
	}
	return result, nil
}

func (l *Limiter) limitFor(p Principal) int64 {
	if p.ExplicitLimit != nil {
		return *p.ExplicitLimit
	}
	limit, _ := p.Tier.MonthlyBudget()
	return limit
}

func (l *Limiter) counterKey(p Principal, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", l.prefix, p.AuthMethod, p.ID, windowStart.Format("2006-01"))
}

// incrementWithExpiry increments key and, on every increment, sets its
// expiry to just past resetAt (the same instant for the whole window) so a
// month's counter never outlives the window it measures.
func (l *Limiter) incrementWithExpiry(ctx context.Context, key string, resetAt time.Time) (int64, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetAt.Add(time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RaiseIfLimited converts a Limited result into a typed RateLimitExceeded
// error carrying the limit and tier, for callers that want to short-circuit
// on the error path rather than branch on Result.Limited.
func RaiseIfLimited(r Result) error {
	if !r.Limited {
		return nil
	}
	return apierrors.NewRateLimitExceededError("monthly request budget exhausted", r.Limit, string(r.Tier))
}
