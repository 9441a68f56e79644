package stitch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Transcluder composes pages: it scans a document for directives, resolves
// them concurrently under one page deadline and merges the outcome.
type Transcluder struct {
	cfg      TransclusionConfig
	stats    StatsConfig
	resolver *Resolver
	cache    *FragmentCache
	logger   *slog.Logger
	now      func() time.Time
}

func NewTranscluder(cfg TransclusionConfig, stats StatsConfig, resolver *Resolver, cache *FragmentCache, logger *slog.Logger) *Transcluder {
	if logger == nil {
		logger = discardLogger()
	}
	return &Transcluder{
		cfg:      cfg,
		stats:    stats,
		resolver: resolver,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

// ResolveIncludes resolves every directive in content. header holds the
// inbound page request headers. It never fails: includes that cannot be
// resolved before the page deadline fall back to their literal content.
//
// Resolutions still running at the deadline are not cancelled. They finish
// in the background and may still populate the cache.
func (t *Transcluder) ResolveIncludes(ctx context.Context, content string, header http.Header) *Result {
	start := t.now()
	res := newResult(content, t.stats, t.cfg.ResponseHeadersForward, t.logger)
	res.now = t.now
	if !t.cfg.Enabled {
		res.finalize(0, t.cacheStats())
		return res
	}

	ctx, span := tracer().Start(ctx, "stitch.transclude")
	defer span.End()

	var directives []Directive
	for d := range Scan(content) {
		directives = append(directives, d)
	}
	if len(directives) == 0 {
		res.finalize(t.now().Sub(start), t.cacheStats())
		return res
	}

	results := make(chan Include, len(directives))
	detached := context.WithoutCancel(ctx)
	for i, d := range directives {
		go func() {
			results <- t.resolver.Resolve(detached, d, i, header)
		}()
	}

	deadline := time.NewTimer(t.cfg.PageTimeout)
	defer deadline.Stop()

	resolved := make([]bool, len(directives))
	pending := len(directives)
wait:
	for pending > 0 {
		select {
		case inc := <-results:
			resolved[inc.Index] = true
			res.add(inc)
			pending--
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if pending > 0 {
		elapsed := t.now().Sub(start)
		for i, d := range directives {
			if resolved[i] {
				continue
			}
			inc := fallbackInclude(d, i)
			inc.TimedOut = true
			inc.Duration = elapsed
			t.logger.Warn("include not resolved within page timeout, using fallback content",
				"include", inc.ID, "timeout", t.cfg.PageTimeout)
			res.add(inc)
		}
	}

	res.finalize(t.now().Sub(start), t.cacheStats())
	span.SetAttributes(
		attribute.Int("stitch.includes", len(directives)),
		attribute.Int("stitch.includes.timed_out", pending),
	)
	t.logger.Debug("page composed", "includes", len(directives), "timedOut", pending, "duration", res.Elapsed())
	return res
}

func (t *Transcluder) cacheStats() CacheStats {
	if t.cache == nil {
		return CacheStats{}
	}
	return t.cache.Stats()
}
