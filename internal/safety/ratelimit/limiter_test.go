package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestLimitTypeFor(t *testing.T) {
	assert.Equal(t, LimitFileWrites, LimitTypeFor(models.CategoryFilesystem))
	assert.Equal(t, LimitCommands, LimitTypeFor(models.CategoryGit))
	assert.Equal(t, LimitCommands, LimitTypeFor(models.CategoryExecution))
	assert.Equal(t, LimitNetworkRequests, LimitTypeFor(models.CategoryNetwork))
	assert.Equal(t, LimitRequests, LimitTypeFor(models.CategoryResources))
	assert.Equal(t, LimitRequests, LimitTypeFor(models.CategoryContent))
}

func TestBaseLimit(t *testing.T) {
	limits := models.RateLimits{
		TokensPerMinute:          1000,
		RequestsPerMinute:        60,
		FileWritesPerMinute:      30,
		NetworkRequestsPerMinute: 20,
		CommandsPerMinute:        10,
	}
	assert.Equal(t, 1000, BaseLimit(limits, LimitTokens))
	assert.Equal(t, 60, BaseLimit(limits, LimitRequests))
	assert.Equal(t, 30, BaseLimit(limits, LimitFileWrites))
	assert.Equal(t, 20, BaseLimit(limits, LimitNetworkRequests))
	assert.Equal(t, 10, BaseLimit(limits, LimitCommands))
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, 12, EffectiveLimit(10, 0.2))
	assert.Equal(t, 10, EffectiveLimit(10, 0))
	assert.Equal(t, 10, EffectiveLimit(10, -1))
	assert.Equal(t, 11, EffectiveLimit(7, 0.7))
	assert.Equal(t, 115, EffectiveLimit(100, 0.15))
}

func TestCheck_BurstThenWindowReset(t *testing.T) {
	clock := newClock()
	l := NewLimiter(nil, WithClock(clock.Now))

	for i := 1; i <= 12; i++ {
		res := l.Check("agent-1", LimitRequests, 10, 0.2)
		require.False(t, res.Limited, "call %d", i)
		assert.Equal(t, 12-i, res.Remaining)
		assert.Equal(t, 12, res.Limit)
	}

	res := l.Check("agent-1", LimitRequests, 10, 0.2)
	assert.True(t, res.Limited)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), res.ResetAt)

	clock.Advance(time.Minute)
	count, _ := l.Peek("agent-1", LimitRequests)
	assert.Equal(t, 0, count)

	res = l.Check("agent-1", LimitRequests, 10, 0.2)
	assert.False(t, res.Limited)
	assert.Equal(t, 11, res.Remaining)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(nil)

	l.Check("agent-1", LimitCommands, 1, 0)
	assert.True(t, l.Check("agent-1", LimitCommands, 1, 0).Limited)
	assert.False(t, l.Check("agent-2", LimitCommands, 1, 0).Limited)
	assert.False(t, l.Check("agent-1", LimitFileWrites, 1, 0).Limited)
}

func TestCheck_NonPositiveLimitNeverLimits(t *testing.T) {
	l := NewLimiter(nil)
	for i := 0; i < 50; i++ {
		res := l.Check("ws", LimitTokens, 0, 0.5)
		require.False(t, res.Limited)
		assert.Equal(t, -1, res.Remaining)
	}
	count, _ := l.Peek("ws", LimitTokens)
	assert.Equal(t, 50, count)
}

func TestCheck_ConcurrentCountsAreExact(t *testing.T) {
	l := NewLimiter(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !l.Check("shared", LimitRequests, 50, 0).Limited {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
	count, _ := l.Peek("shared", LimitRequests)
	assert.Equal(t, 200, count)
}

func TestSweep_EvictsOnlyExpired(t *testing.T) {
	clock := newClock()
	l := NewLimiter(nil, WithClock(clock.Now))

	l.Check("old", LimitRequests, 5, 0)
	clock.Advance(30 * time.Second)
	l.Check("fresh", LimitRequests, 5, 0)
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Size())
	assert.Equal(t, 0, l.Sweep())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Size())
}

func TestStartStop_Sweeper(t *testing.T) {
	clock := newClock()
	l := NewLimiter(nil, WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))

	l.Check("k", LimitRequests, 5, 0)
	clock.Advance(2 * time.Minute)

	l.Start()
	l.Start()
	assert.Eventually(t, func() bool { return l.Size() == 0 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()

	l.Check("k", LimitRequests, 5, 0)
	clock.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, l.Size())

	l.Reset()
	assert.Equal(t, 0, l.Size())
}
