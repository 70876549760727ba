package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

// Guard applies the configured per-role budgets.
type Guard struct {
	limiter Limiter
	cfg     config.RateLimitConfig
}

// NewGuard wraps limiter with the role budgets from cfg.
func NewGuard(cfg config.RateLimitConfig, limiter Limiter) *Guard {
	if limiter == nil {
		limiter = NewInMemory(0)
	}
	return &Guard{limiter: limiter, cfg: cfg}
}

// Check counts one request for subject acting as role. Disabled guards and
// roles with no budget always pass. The returned headers describe the
// remaining budget and are set on the response either way.
func (g *Guard) Check(ctx context.Context, role, subject string) (http.Header, error) {
	if g == nil || !g.cfg.Enabled {
		return nil, nil
	}
	limit := g.cfg.LimitFor(role)
	if limit <= 0 {
		return nil, nil
	}

	d := g.limiter.Allow(ctx, role+":"+subject, limit)
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return h, nil
	}
	return h, apierr.Handler(apierr.CodeRateLimited, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit of %d requests per minute exceeded for role %q", limit, role))
}
