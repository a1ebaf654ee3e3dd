package ratelimit

// Package ratelimit enforces per-scope fixed-window request limits.
//
// Windows are 60 seconds long and keyed by (scope value, limit type). Each
// bucket carries its own lock so concurrent checks on different keys never
// contend, and the background sweeper evicts expired buckets one at a time.

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// DefaultWindow is the length of one counting window.
const DefaultWindow = time.Minute

// DefaultSweepInterval is how often expired buckets are evicted.
const DefaultSweepInterval = 5 * time.Minute

// LimitType names the counter an operation is charged against.
type LimitType string

const (
	LimitTokens          LimitType = "tokens"
	LimitRequests        LimitType = "requests"
	LimitFileWrites      LimitType = "file_writes"
	LimitNetworkRequests LimitType = "network_requests"
	LimitCommands        LimitType = "commands"
)

var categoryLimits = map[models.Category]LimitType{
	models.CategoryFilesystem: LimitFileWrites,
	models.CategoryGit:        LimitCommands,
	models.CategoryExecution:  LimitCommands,
	models.CategoryNetwork:    LimitNetworkRequests,
	models.CategoryResources:  LimitRequests,
	models.CategoryContent:    LimitRequests,
}

// LimitTypeFor maps an operation category to its limit type.
func LimitTypeFor(cat models.Category) LimitType {
	if lt, ok := categoryLimits[cat]; ok {
		return lt
	}
	return LimitRequests
}

// BaseLimit returns the configured per-minute limit for a limit type.
func BaseLimit(limits models.RateLimits, lt LimitType) int {
	switch lt {
	case LimitTokens:
		return limits.TokensPerMinute
	case LimitFileWrites:
		return limits.FileWritesPerMinute
	case LimitNetworkRequests:
		return limits.NetworkRequestsPerMinute
	case LimitCommands:
		return limits.CommandsPerMinute
	default:
		return limits.RequestsPerMinute
	}
}

// EffectiveLimit applies the burst allowance to a base limit.
func EffectiveLimit(baseLimit int, burstAllowance float64) int {
	if burstAllowance < 0 {
		burstAllowance = 0
	}
	// the epsilon absorbs float error such as 10*(1+0.2) = 11.999...
	return int(math.Floor(float64(baseLimit)*(1+burstAllowance) + 1e-9))
}

// Result is the outcome of one Check.
type Result struct {
	Limited   bool      `json:"limited"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Limit     int       `json:"limit"`
	LimitType LimitType `json:"limit_type"`
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	dead    bool
}

// Limiter is a fixed-window rate limiter. The zero value is not usable;
// create one with NewLimiter.
type Limiter struct {
	buckets       sync.Map // string -> *bucket
	window        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.now = clock }
}

// WithSweepInterval overrides the eviction interval.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// NewLimiter creates a limiter. The sweeper is not started.
func NewLimiter(logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		window:        DefaultWindow,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func bucketKey(scopeKey string, lt LimitType) string {
	return scopeKey + "|" + string(lt)
}

// Check charges one unit against (scopeKey, lt) and reports whether the
// effective limit is exceeded. A non-positive base limit disables limiting
// for the key while still counting.
func (l *Limiter) Check(scopeKey string, lt LimitType, baseLimit int, burstAllowance float64) Result {
	key := bucketKey(scopeKey, lt)
	limit := EffectiveLimit(baseLimit, burstAllowance)

	for {
		v, _ := l.buckets.LoadOrStore(key, &bucket{})
		b := v.(*bucket)

		b.mu.Lock()
		if b.dead {
			// evicted between load and lock
			b.mu.Unlock()
			continue
		}
		now := l.now()
		if b.resetAt.IsZero() || !now.Before(b.resetAt) {
			b.count = 0
			b.resetAt = now.Add(l.window)
		}
		b.count++
		count := b.count
		res := Result{ResetAt: b.resetAt, Limit: limit, LimitType: lt}
		b.mu.Unlock()

		switch {
		case baseLimit <= 0:
			res.Remaining = -1
		case count > limit:
			res.Limited = true
			res.Remaining = 0
		default:
			res.Remaining = limit - count
		}
		return res
	}
}

// Peek returns the current count for a key without charging it.
func (l *Limiter) Peek(scopeKey string, lt LimitType) (count int, resetAt time.Time) {
	v, ok := l.buckets.Load(bucketKey(scopeKey, lt))
	if !ok {
		return 0, time.Time{}
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead || !l.now().Before(b.resetAt) {
		return 0, time.Time{}
	}
	return b.count, b.resetAt
}

// Sweep evicts every bucket whose window has ended and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead && !now.Before(b.resetAt) {
			b.dead = true
			l.buckets.Delete(k)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	if removed > 0 {
		l.logger.Debug("evicted expired rate limit buckets", zap.Int("count", removed))
	}
	return removed
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Start launches the periodic sweeper. Calling Start on a running limiter
// is a no-op.
func (l *Limiter) Start() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.stopCh != nil {
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.sweepLoop(l.stopCh, l.doneCh)
}

// Stop halts the sweeper and waits for it to exit. It is safe to call
// more than once.
func (l *Limiter) Stop() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
	l.stopCh = nil
	l.doneCh = nil
}

// Reset drops every bucket.
func (l *Limiter) Reset() {
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		b.dead = true
		l.buckets.Delete(k)
		b.mu.Unlock()
		return true
	})
}

func (l *Limiter) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
