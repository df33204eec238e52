package promptrelay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CooldownGate enforces a minimum interval between admitted requests from
// the same user. The zero value is not usable, see [NewCooldownGate].
type CooldownGate struct {
	window time.Duration
	last   map[string]time.Time
	mu     sync.Mutex
}

func NewCooldownGate(window time.Duration) *CooldownGate {
	return &CooldownGate{
		window: window,
		last:   map[string]time.Time{},
	}
}

// Window returns the configured cooldown interval
func (g *CooldownGate) Window() time.Duration {
	return g.window
}

// CheckAndAdmit admits userID if it has no recorded request, or if at least
// the cooldown window has passed since its last admitted request, in which
// case now is recorded and 0 is returned.
// Otherwise, the stored timestamp is left as-is, and the number of seconds
// remaining is returned, computed as the window minus the elapsed time
// truncated to whole seconds. A denied request always returns at least 1.
// If now is before the stored timestamp, elapsed time is treated as 0.
func (g *CooldownGate) CheckAndAdmit(userID string, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.last[userID]
	if !ok {
		g.last[userID] = now
		return 0
	}

	elapsed := now.Sub(last)
	if elapsed >= g.window {
		g.last[userID] = now
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}

	remaining := int(g.window/time.Second) - int(elapsed/time.Second)
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

// Last returns the last admission time recorded for userID
func (g *CooldownGate) Last(userID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[userID]
	return t, ok
}

// Len returns the number of users currently tracked
func (g *CooldownGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

// Prune removes entries whose cooldown has expired as of now. Those
// entries would admit the next request anyway, so pruning them doesn't
// change any outcome. Returns the number of entries removed.
func (g *CooldownGate) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for userID, last := range g.last {
		if now.Sub(last) >= g.window {
			delete(g.last, userID)
			removed++
		}
	}
	return removed
}

// RunJanitor prunes expired entries every interval, until ctx is done.
func (g *CooldownGate) RunJanitor(
	ctx context.Context,
	interval time.Duration,
	logger *slog.Logger,
) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "cooldown janitor stopped")
			return
		case now := <-ticker.C:
			if removed := g.Prune(now); removed > 0 {
				logger.DebugContext(
					ctx,
					"pruned expired cooldowns",
					"removed", removed,
					"remaining", g.Len(),
				)
			}
		}
	}
}
