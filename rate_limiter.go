package sentry

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	allCategories          = "all"
	defaultRetryAfter      = 60 * time.Second
	headerSentryRateLimits = "X-Sentry-Rate-Limits"
	headerRetryAfter       = "Retry-After"
)

// RateLimiter remembers server-imposed send pauses per data category.
// While a category is paused the transport does not hit the network and
// the event goes back to the pending store.
type RateLimiter struct {
	mu         sync.RWMutex
	rateLimits map[string]time.Time // category -> disabled until time
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		rateLimits: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// IsRateLimited checks if the category, or everything, is paused
func (rl *RateLimiter) IsRateLimited(category string) bool {
	return !rl.GetDisabledUntil(category).IsZero()
}

// GetDisabledUntil returns the end of the longest active pause for the
// category, or the zero time when it is not paused
func (rl *RateLimiter) GetDisabledUntil(category string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	var until time.Time
	for _, c := range []string{category, allCategories} {
		if d, ok := rl.rateLimits[c]; ok && d.After(now) && d.After(until) {
			until = d
		}
	}
	return until
}

// HandleRateLimitHeaders processes Sentry rate limit headers
func (rl *RateLimiter) HandleRateLimitHeaders(headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if limits := headers.Get(headerSentryRateLimits); limits != "" {
		rl.parseRateLimitHeader(limits, now)
		return
	}

	if retryAfter := headers.Get(headerRetryAfter); retryAfter != "" {
		rl.parseRetryAfterHeader(retryAfter, now)
	}
}

// parseRateLimitHeader parses the X-Sentry-Rate-Limits header
// Format: "retry_after:categories:scope:reason_code:namespaces"
func (rl *RateLimiter) parseRateLimitHeader(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(limit), ":")
		if len(parts) < 2 {
			continue
		}

		retryAfter := defaultRetryAfter
		if seconds, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
			retryAfter = time.Duration(seconds) * time.Second
		} else {
			rl.logger.Warn("Failed to parse retry_after from rate limit header", zap.String("value", parts[0]))
		}
		until := now.Add(retryAfter)

		for _, category := range strings.Split(parts[1], ";") {
			category = normalizeCategory(strings.TrimSpace(category))
			rl.setLimit(category, until)
		}
	}
}

// parseRetryAfterHeader parses the Retry-After header, either seconds or an HTTP date
func (rl *RateLimiter) parseRetryAfterHeader(header string, now time.Time) {
	header = strings.TrimSpace(header)

	until := now.Add(defaultRetryAfter)
	if seconds, err := strconv.Atoi(header); err == nil {
		until = now.Add(time.Duration(seconds) * time.Second)
	} else if t, err := http.ParseTime(header); err == nil && t.After(now) {
		until = t
	} else {
		rl.logger.Warn("Failed to parse Retry-After header, using default", zap.String("header", header))
	}

	rl.setLimit(allCategories, until)
}

func (rl *RateLimiter) setLimit(category string, until time.Time) {
	if current, ok := rl.rateLimits[category]; ok && current.After(until) {
		return
	}
	rl.rateLimits[category] = until
	rl.logger.Warn("Rate limit applied",
		zap.String("category", category),
		zap.Time("disabled_until", until))
}

// normalizeCategory maps event types onto Sentry data categories
func normalizeCategory(category string) string {
	switch category {
	case "":
		return allCategories
	case "event", "default":
		return rateLimitCategory
	default:
		return category
	}
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for category, until := range rl.rateLimits {
		if !until.After(now) {
			delete(rl.rateLimits, category)
		}
	}
}

// GetStatus returns current rate limit status
func (rl *RateLimiter) GetStatus() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[string]time.Time, len(rl.rateLimits))
	for category, until := range rl.rateLimits {
		status[category] = until
	}
	return status
}
