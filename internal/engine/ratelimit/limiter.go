// Package ratelimit implements the RateLimiter: token-bucket and
// sliding-window admission control per user/IP/global scope, concurrent
// request accounting, burst penalties, and a per-identifier circuit
// breaker.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/internal/platform/metrics"
	"github.com/turtacn/docbatch/pkg/errors"
)

// CircuitState is the per-identifier breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// breaker tracks one identifier's circuit-breaker state.
type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	openedAt         time.Time
}

// slidingWindow is a ring buffer of per-second event counters covering a
// fixed duration.
type slidingWindow struct {
	mu       sync.Mutex
	buckets  []int64
	bucketAt []int64 // unix-second timestamp each bucket was last reset for
	span     time.Duration
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	n := int(span.Seconds())
	if n < 1 {
		n = 1
	}
	return &slidingWindow{buckets: make([]int64, n), bucketAt: make([]int64, n), span: span}
}

func (w *slidingWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := int(now.Unix()) % len(w.buckets)
	if w.bucketAt[idx] != now.Unix() {
		w.buckets[idx] = 0
		w.bucketAt[idx] = now.Unix()
	}
	w.buckets[idx]++
}

func (w *slidingWindow) count(now time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	cutoff := now.Unix() - int64(w.span.Seconds())
	for i, ts := range w.bucketAt {
		if ts > cutoff {
			total += w.buckets[i]
		}
	}
	return total
}

// identifierState bundles the per-identifier bucket, windows, and breaker.
type identifierState struct {
	tokenBucket  *rate.Limiter
	minuteWindow *slidingWindow
	hourWindow   *slidingWindow
	dayWindow    *slidingWindow
	concurrent   atomic.Int64
}

func newIdentifierState(capacity, refillPerSec float64) *identifierState {
	return &identifierState{
		tokenBucket:  rate.NewLimiter(rate.Limit(refillPerSec), int(capacity)),
		minuteWindow: newSlidingWindow(60 * time.Second),
		hourWindow:   newSlidingWindow(3600 * time.Second),
		dayWindow:    newSlidingWindow(86400 * time.Second),
	}
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed    bool
	Violations []string
	BurstPenalty bool
}

// Limiter is the RateLimiter.
type Limiter struct {
	cfg    config.RateLimitConfig
	logger logging.Logger
	m      *metrics.EngineMetrics

	userMu   sync.Mutex
	userState map[string]*identifierState

	ipMu   sync.Mutex
	ipState map[string]*identifierState

	global *identifierState

	blacklistMu sync.Mutex
	blacklist   map[string]struct{}
	whitelist   map[string]struct{}
	blacklistBloom *bloom.BloomFilter

	penaltyMu sync.Mutex
	penaltyUntil map[string]time.Time

	breakerMu sync.Mutex
	breakers  map[string]*breaker
}

// New constructs a Limiter. logger and m may be nil.
func New(cfg config.RateLimitConfig, logger logging.Logger, m *metrics.EngineMetrics) *Limiter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	l := &Limiter{
		cfg:          cfg,
		logger:       logger.Named("rate_limiter"),
		m:            m,
		userState:    make(map[string]*identifierState),
		ipState:      make(map[string]*identifierState),
		blacklist:    make(map[string]struct{}),
		whitelist:    make(map[string]struct{}),
		penaltyUntil: make(map[string]time.Time),
		breakers:     make(map[string]*breaker),
	}
	l.blacklistBloom = bloom.NewWithEstimates(10000, 0.01)

	global := cfg.GlobalCapacity
	if global <= 0 {
		global = 1000
	}
	globalRefill := cfg.GlobalRefillPerSec
	if globalRefill <= 0 {
		globalRefill = 100
	}
	l.global = newIdentifierState(global, globalRefill)

	return l
}

// Ban adds identifier to the hard-deny blacklist and its bloom pre-filter.
func (l *Limiter) Ban(identifier string) {
	l.blacklistMu.Lock()
	defer l.blacklistMu.Unlock()
	l.blacklist[identifier] = struct{}{}
	l.blacklistBloom.AddString(identifier)
}

// Allow adds identifier to the hard-allow whitelist, bypassing remaining
// checks.
func (l *Limiter) Allow(identifier string) {
	l.blacklistMu.Lock()
	defer l.blacklistMu.Unlock()
	l.whitelist[identifier] = struct{}{}
}

func (l *Limiter) isBlacklisted(identifier string) bool {
	l.blacklistMu.Lock()
	defer l.blacklistMu.Unlock()
	if !l.blacklistBloom.TestString(identifier) {
		return false
	}
	_, ok := l.blacklist[identifier]
	return ok
}

func (l *Limiter) isWhitelisted(identifier string) bool {
	l.blacklistMu.Lock()
	defer l.blacklistMu.Unlock()
	_, ok := l.whitelist[identifier]
	return ok
}

func (l *Limiter) inBurstPenalty(identifier string, now time.Time) bool {
	l.penaltyMu.Lock()
	defer l.penaltyMu.Unlock()
	until, ok := l.penaltyUntil[identifier]
	return ok && now.Before(until)
}

func (l *Limiter) applyBurstPenalty(identifier string, now time.Time) {
	penalty := l.cfg.BurstPenalty
	if penalty <= 0 {
		penalty = 60 * time.Second
	}
	l.penaltyMu.Lock()
	l.penaltyUntil[identifier] = now.Add(penalty)
	l.penaltyMu.Unlock()
}

func (l *Limiter) stateFor(mu *sync.Mutex, states map[string]*identifierState, identifier string) *identifierState {
	mu.Lock()
	defer mu.Unlock()
	s, ok := states[identifier]
	if !ok {
		s = newIdentifierState(l.cfg.UserCapacity, l.cfg.UserRefillPerSec)
		states[identifier] = s
	}
	return s
}

func (l *Limiter) breakerFor(identifier string) *breaker {
	l.breakerMu.Lock()
	defer l.breakerMu.Unlock()
	b, ok := l.breakers[identifier]
	if !ok {
		b = &breaker{}
		l.breakers[identifier] = b
	}
	return b
}

func (b *breaker) check(now time.Time, cooldown time.Duration) (blocked bool, halfOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitOpen:
		if now.Sub(b.openedAt) >= cooldown {
			b.state = CircuitHalfOpen
			return false, true
		}
		return true, false
	default:
		return false, b.state == CircuitHalfOpen
	}
}

func (b *breaker) recordFailure(now time.Time, threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	if b.consecutiveFails >= threshold {
		b.state = CircuitOpen
		b.openedAt = now
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = CircuitClosed
}

// Check performs admission for (user, ip, operation). Violations accumulate
// rather than short-circuiting on the first failure; two or more violations
// also trigger a burst penalty for the user identifier. On internal error
// the request is denied (fail-secure).
func (l *Limiter) Check(user, ip, operation string) Decision {
	now := time.Now()

	if user != "" && l.isBlacklisted(user) {
		l.record("user", false, "blacklisted")
		return Decision{Allowed: false, Violations: []string{"blacklisted"}}
	}
	if user != "" && l.isWhitelisted(user) {
		l.record("user", true, "")
		return Decision{Allowed: true}
	}

	var violations []string

	if user != "" && l.inBurstPenalty(user, now) {
		violations = append(violations, "burst_penalty")
	}

	identifier := user
	if identifier == "" {
		identifier = ip
	}
	br := l.breakerFor(identifier)
	cooldown := l.cfg.CircuitOpenTimeout
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	blocked, _ := br.check(now, cooldown)
	if blocked {
		violations = append(violations, "circuit_open")
	}

	if !l.global.tokenBucket.Allow() {
		violations = append(violations, "global_rate")
	}

	if user != "" {
		us := l.stateFor(&l.userMu, l.userState, user)
		if !us.tokenBucket.Allow() {
			violations = append(violations, "user_token")
		}
		us.minuteWindow.record(now)
		if l.cfg.UserPerMinute > 0 && us.minuteWindow.count(now) > int64(l.cfg.UserPerMinute) {
			violations = append(violations, "user_minute")
		}
		if l.cfg.UserPerHour > 0 {
			us.hourWindow.record(now)
			if us.hourWindow.count(now) > int64(l.cfg.UserPerHour) {
				violations = append(violations, "user_hour")
			}
		}
		if l.cfg.UserPerDay > 0 {
			us.dayWindow.record(now)
			if us.dayWindow.count(now) > int64(l.cfg.UserPerDay) {
				violations = append(violations, "user_day")
			}
		}
		if l.cfg.MaxConcurrentPerUser > 0 && us.concurrent.Load() >= int64(l.cfg.MaxConcurrentPerUser) {
			violations = append(violations, "user_concurrent")
		}
	}

	if ip != "" {
		is := l.stateFor(&l.ipMu, l.ipState, ip)
		if !is.tokenBucket.Allow() {
			violations = append(violations, "ip_token")
		}
	}

	if l.cfg.MaxConcurrentGlobal > 0 && l.global.concurrent.Load() >= int64(l.cfg.MaxConcurrentGlobal) {
		violations = append(violations, "global_concurrent")
	}

	allowed := len(violations) == 0
	if allowed {
		br.recordSuccess()
		l.global.concurrent.Add(1)
		if user != "" {
			l.stateFor(&l.userMu, l.userState, user).concurrent.Add(1)
		}
	} else {
		br.recordFailure(now, failureThreshold(l.cfg))
		if len(violations) >= 2 && user != "" {
			l.applyBurstPenalty(user, now)
		}
		l.logger.Debug("rate limit check denied", logging.Err(CombineViolations(violationErrors(violations)...)))
	}

	l.record(scopeLabel(user, ip), allowed, firstOrEmpty(violations))
	return Decision{Allowed: allowed, Violations: violations, BurstPenalty: len(violations) >= 2}
}

// Release decrements the concurrent counters admitted by a prior allowed
// Check. Counters saturate at zero and never go negative, since some call
// paths release without a matching admit (whitelisted bypass).
func (l *Limiter) Release(user, ip string) {
	releaseSaturating(&l.global.concurrent)
	if user != "" {
		l.userMu.Lock()
		s, ok := l.userState[user]
		l.userMu.Unlock()
		if ok {
			releaseSaturating(&s.concurrent)
		}
	}
}

func releaseSaturating(c *atomic.Int64) {
	for {
		v := c.Load()
		if v <= 0 {
			return
		}
		if c.CompareAndSwap(v, v-1) {
			return
		}
	}
}

func (l *Limiter) record(scope string, allowed bool, reason string) {
	if l.m == nil {
		return
	}
	metrics.RecordRateLimitDecision(l.m, scope, allowed, reason)
}

func failureThreshold(cfg config.RateLimitConfig) int {
	if cfg.CircuitFailureThreshold > 0 {
		return cfg.CircuitFailureThreshold
	}
	return 5
}

func scopeLabel(user, ip string) string {
	if user != "" {
		return "user"
	}
	if ip != "" {
		return "ip"
	}
	return "global"
}

func firstOrEmpty(violations []string) string {
	if len(violations) == 0 {
		return ""
	}
	return violations[0]
}

// CombineViolations accumulates admission-check errors without
// short-circuiting, per the "violations are accumulated, not
// short-circuited" rule.
func CombineViolations(errs ...error) error {
	var combined error
	for _, e := range errs {
		combined = multierr.Append(combined, e)
	}
	return combined
}

// violationError classifies a single violation reason into an *errors.AppError.
func violationError(v string) error {
	if v == "circuit_open" {
		return errors.CircuitOpen("circuit breaker open for identifier")
	}
	return errors.RateLimited("rate limit violation: " + v)
}

func violationErrors(violations []string) []error {
	errs := make([]error, len(violations))
	for i, v := range violations {
		errs[i] = violationError(v)
	}
	return errs
}

// AsError converts a deny Decision into a single error combining every
// violation via CombineViolations, not just the first one encountered.
func (d Decision) AsError() error {
	if d.Allowed {
		return nil
	}
	return CombineViolations(violationErrors(d.Violations)...)
}
