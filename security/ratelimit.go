package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxEntries      = 10000
	defaultCleanupInterval = 5 * time.Minute
	staleEntryAge          = 10 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token-bucket rate limiting with
// periodic cleanup of idle entries so the map cannot grow without bound.
// It is used to bound magic-code verification attempts and to keep
// security-event logging from being weaponized into log flooding.
type RateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*limiterEntry
	rate        rate.Limit
	burst       int
	maxEntries  int
	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond sustained
// with the given burst per identifier. A background goroutine drops idle
// entries; call Stop when done.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*limiterEntry),
		rate:        rate.Limit(requestsPerSecond),
		burst:       burst,
		maxEntries:  defaultMaxEntries,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[identifier]
	if !ok {
		if len(rl.limiters) >= rl.maxEntries {
			// At capacity: deny new identifiers rather than evicting an
			// active one. This fails closed under identifier-churn attacks.
			rl.logger.Warn("Rate limiter at capacity, denying new identifier",
				"max_entries", rl.maxEntries)
			return false
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[identifier] = entry
	}

	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// Reset forgets the rate-limit history for an identifier. Used after a
// successful magic-code verification so the next login starts fresh.
func (rl *RateLimiter) Reset(identifier string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, identifier)
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-staleEntryAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, id)
		}
	}
}
