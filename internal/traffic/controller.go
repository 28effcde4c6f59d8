// Package traffic provides admission control in front of every outbound
// provider call, backed by durable sliding-window counters.
package traffic

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/store"
)

// Limits are the per-window ceilings for one provider.
type Limits struct {
	Requests int
	Tokens   int64
	Window   time.Duration
}

// Controller decides go / wait / reject for each outbound call. Granting
// admission records usage in the same per-key critical section as the check,
// so a burst of concurrent admissions cannot all pass the same ceiling.
type Controller struct {
	DB      *sql.DB
	Windows *store.RateWindowRepo
	Logger  *slog.Logger

	// LimitsFor returns the ceilings for a provider. Defaults apply when nil.
	LimitsFor func(provider domain.Provider) Limits

	// Now is the clock; overridable in tests. Defaults to time.Now.
	Now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// DefaultLimits is used when no per-provider limits are configured.
var DefaultLimits = Limits{Requests: 60, Tokens: 120000, Window: time.Minute}

// NewController creates a Controller over the given store.
func NewController(db *sql.DB, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		DB:      db,
		Windows: &store.RateWindowRepo{},
		Logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Admit checks the ceilings for the provider/model key and, when permitted,
// records the request's usage atomically before returning DecisionGo.
// A request whose estimated tokens alone exceed the token ceiling can never
// fit and is rejected; everything else is admitted or told to wait.
func (c *Controller) Admit(ctx context.Context, provider domain.Provider, model string, estTokens int64) (domain.Decision, error) {
	key := bucketKey(provider, model)
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	limits := c.limitsFor(provider)
	if estTokens > limits.Tokens {
		return domain.Decision{Kind: domain.DecisionReject}, nil
	}

	now := c.now()
	dec := c.check(ctx, key, limits, estTokens, now)
	if dec.Kind != domain.DecisionGo {
		return dec, nil
	}

	if err := c.Windows.Record(ctx, c.DB, key, estTokens, now); err != nil {
		// Fail open: an unrecorded admission trades limit accuracy for
		// availability. Must be visible in the logs.
		c.Logger.Warn("rate window record failed, admitting without persisting usage",
			"key", key, "error", err)
	}
	return dec, nil
}

// Probe runs the same admission check without recording usage. Used by the
// pre-flight endpoint.
func (c *Controller) Probe(ctx context.Context, provider domain.Provider, model string, estTokens int64) (domain.Decision, error) {
	key := bucketKey(provider, model)
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	limits := c.limitsFor(provider)
	if estTokens > limits.Tokens {
		return domain.Decision{Kind: domain.DecisionReject}, nil
	}
	return c.check(ctx, key, limits, estTokens, c.now()), nil
}

// check evaluates the ceilings. Callers must hold the key lock.
func (c *Controller) check(ctx context.Context, key string, limits Limits, estTokens int64, now time.Time) domain.Decision {
	cutoff := now.Add(-limits.Window)

	if err := c.Windows.Prune(ctx, c.DB, key, cutoff); err != nil {
		c.Logger.Warn("rate window prune failed, treating window as empty",
			"key", key, "error", err)
		return domain.Decision{Kind: domain.DecisionGo}
	}

	samples, err := c.Windows.List(ctx, c.DB, key, cutoff)
	if err != nil {
		// Fail open to availability, not fail closed.
		c.Logger.Warn("rate window unavailable, admitting without usage history",
			"key", key, "error", err)
		return domain.Decision{Kind: domain.DecisionGo}
	}

	var usedTokens int64
	for _, s := range samples {
		usedTokens += s.Tokens
	}

	requestsOK := len(samples)+1 <= limits.Requests
	tokensOK := usedTokens+estTokens <= limits.Tokens
	if requestsOK && tokensOK {
		return domain.Decision{Kind: domain.DecisionGo}
	}

	wait := waitFor(samples, limits, estTokens, usedTokens, now)
	return domain.Decision{Kind: domain.DecisionWait, RetryAfter: wait}
}

// waitFor computes how long until enough in-window samples expire to fit the
// new request under both ceilings.
func waitFor(samples []domain.RateSample, limits Limits, estTokens, usedTokens int64, now time.Time) time.Duration {
	var until time.Time

	// Request ceiling: the N oldest samples must leave the window.
	if excess := len(samples) + 1 - limits.Requests; excess > 0 && excess <= len(samples) {
		t := expiryOf(samples[excess-1], limits.Window)
		if t.After(until) {
			until = t
		}
	}

	// Token ceiling: walk oldest-first until enough tokens are freed.
	if need := usedTokens + estTokens - limits.Tokens; need > 0 {
		var freed int64
		for _, s := range samples {
			freed += s.Tokens
			if freed >= need {
				t := expiryOf(s, limits.Window)
				if t.After(until) {
					until = t
				}
				break
			}
		}
	}

	wait := until.Sub(now)
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	return wait
}

func expiryOf(s domain.RateSample, window time.Duration) time.Time {
	return time.UnixMilli(s.AtMs).Add(window)
}

func (c *Controller) limitsFor(provider domain.Provider) Limits {
	if c.LimitsFor != nil {
		l := c.LimitsFor(provider)
		if l.Requests > 0 && l.Tokens > 0 && l.Window > 0 {
			return l
		}
	}
	return DefaultLimits
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// keyLock returns the mutex serializing admissions for one bucket.
func (c *Controller) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

func bucketKey(provider domain.Provider, model string) string {
	return string(provider) + "/" + model
}
