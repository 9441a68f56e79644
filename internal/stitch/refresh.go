package stitch

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
)

// Start launches the auto-refresh loop when it is enabled. Close stops it.
func (c *FragmentCache) Start() {
	if !c.refresh.Enabled || c.fetcher == nil {
		return
	}
	c.logger.Info("fragment auto-refresh enabled",
		"interval", c.refresh.Interval,
		"maxAttempts", c.refresh.MaxAttempts,
		"inactiveMaxRefreshs", c.refresh.InactiveFragmentsMaxRefreshs)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshLoop(c.refresh.Interval)
	}()
}

// Close stops the auto-refresh loop and waits for in-flight refreshes.
func (c *FragmentCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *FragmentCache) refreshLoop(every time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.refreshDue(ctx)
		}
	}
}

// refreshDue runs one scheduler pass: it re-fetches every entry close to
// expiry and waits for those fetches. The cache lock is never held during a
// fetch. It returns the number of refreshes attempted.
func (c *FragmentCache) refreshDue(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var due []*cacheEntry
	for _, e := range c.items {
		if e.refreshing || e.req.URL == "" {
			continue
		}
		if e.refreshStopped {
			if !e.frag.FreshAt(now) {
				c.removeLocked(e)
			}
			continue
		}
		if !c.isDue(e, now) {
			continue
		}
		if limit := c.refresh.InactiveFragmentsMaxRefreshs; limit > 0 && !e.readSinceWrite && e.inactiveRefreshes >= limit {
			c.logger.Debug("stop refreshing inactive fragment", "key", e.key, "refreshs", e.inactiveRefreshes)
			e.refreshStopped = true
			continue
		}
		e.refreshing = true
		due = append(due, e)
	}
	c.mu.Unlock()

	concurrency := c.refresh.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, e := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(e *cacheEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			c.refreshEntry(ctx, e)
		}(e)
	}
	wg.Wait()
	return len(due)
}

// isDue reports whether e's remaining lifetime has dropped to the refresh
// threshold: max(margin, ratio * lifetime at last write).
func (c *FragmentCache) isDue(e *cacheEntry, now time.Time) bool {
	remaining := e.frag.ExpiresAt.Sub(now)
	threshold := time.Duration(c.refresh.Ratio * float64(e.frag.ExpiresAt.Sub(e.writtenAt)))
	if c.refresh.Margin > threshold {
		threshold = c.refresh.Margin
	}
	return remaining <= threshold
}

func (c *FragmentCache) refreshEntry(ctx context.Context, e *cacheEntry) {
	ctx, span := tracer().Start(ctx, "stitch.fragment.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("stitch.cache_key", e.key))

	frag, err := c.fetcher.Fetch(ctx, e.req)
	now := c.now()

	var evicted []*cacheEntry
	defer func() { c.spill(evicted) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refreshing = false
	if c.items[e.key] != e {
		// Replaced or evicted while the fetch was in flight.
		return
	}

	if err != nil || !isSuccessStatus(frag.Status) {
		e.refreshAttempts++
		c.refreshFailures.Add(1)
		if limit := c.refresh.MaxAttempts; limit > 0 && e.refreshAttempts >= limit {
			e.refreshStopped = true
			c.logger.Warn("giving up refreshing fragment", "key", e.key, "attempts", e.refreshAttempts)
		} else {
			c.logger.Debug("fragment refresh failed", "key", e.key, "attempt", e.refreshAttempts, "status", frag.Status, "error", err)
		}
		span.SetAttributes(attribute.Bool("stitch.refresh.ok", false))
		return
	}

	size, serr := fragmentSize(frag)
	if !frag.FreshAt(now) || serr != nil || size > c.maxBytes {
		// The upstream no longer allows caching this fragment.
		c.removeLocked(e)
		c.refreshFailures.Add(1)
		span.SetAttributes(attribute.Bool("stitch.refresh.ok", false))
		return
	}

	if e.readSinceWrite {
		e.inactiveRefreshes = 0
	} else {
		e.inactiveRefreshes++
	}
	e.refreshAttempts = 0
	e.readSinceWrite = false

	digest := blake3.Sum256([]byte(frag.Body))
	if digest == e.digest {
		c.refreshUnchanged.Add(1)
	}
	c.total += size - e.size
	e.frag = frag
	e.size = size
	e.digest = digest
	e.writtenAt = now
	evicted = c.evictLocked(0, e)
	c.refreshSuccesses.Add(1)
	span.SetAttributes(attribute.Bool("stitch.refresh.ok", true))
}
