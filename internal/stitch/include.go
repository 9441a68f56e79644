package stitch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Include is a directive together with the fragment that resolved it.
type Include struct {
	Directive Directive
	// Index is the directive's position in document order.
	Index   int
	ID      string
	Primary bool

	Fragment Fragment
	// SourceAttr names the attribute whose URL supplied Fragment: AttrSource,
	// AttrFallbackSource, or empty for fallback content.
	SourceAttr string
	Cached     bool
	// TimedOut is set when the page deadline passed before resolution
	// finished and fallback content was substituted.
	TimedOut bool
	Duration time.Duration
}

// ResolvedWith describes where the fragment came from, for stats output.
func (inc Include) ResolvedWith() string {
	switch {
	case inc.TimedOut:
		return "fallback content (timeout)"
	case inc.SourceAttr == "":
		return "fallback content"
	case inc.Cached:
		return "cached " + inc.SourceAttr
	default:
		return "remote " + inc.SourceAttr
	}
}

// fallbackInclude resolves d to its literal fallback content.
func fallbackInclude(d Directive, index int) Include {
	return Include{
		Directive: d,
		Index:     index,
		ID:        d.ID(),
		Primary:   d.Primary(),
		Fragment:  fallbackFragment(d.Fallback),
	}
}

type attemptState uint8

const (
	attemptPending attemptState = iota
	attemptRunning
	attemptSucceeded
	attemptFailed
)

// attempt is one source of a directive's fallback chain.
type attempt struct {
	attr    string
	url     string
	timeout time.Duration
	state   attemptState

	frag   Fragment
	cached bool
}

// Resolver resolves single directives: src, then fallback-src, then the
// literal fallback content. It never fails; the worst outcome is the
// fallback content.
type Resolver struct {
	cfg     TransclusionConfig
	cache   *FragmentCache
	fetcher Fetcher
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group
}

func NewResolver(cfg TransclusionConfig, cache *FragmentCache, fetcher Fetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = discardLogger()
	}
	return &Resolver{
		cfg:     cfg,
		cache:   cache,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve resolves d. parent holds the inbound page request headers; only
// the configured forward lists are passed on to fragment requests.
func (r *Resolver) Resolve(ctx context.Context, d Directive, index int, parent http.Header) Include {
	start := r.now()
	id := d.ID()
	ctx, span := tracer().Start(ctx, "stitch.include")
	defer span.End()
	logger := r.logger.With("include", id)

	header := filterHeader(parent, r.forwardedHeaders())
	attempts := r.attempts(d, logger)

	var errored *attempt
	for i := range attempts {
		a := &attempts[i]
		a.state = attemptRunning

		frag, cached, err := r.load(ctx, a.url, a.timeout, header)
		switch {
		case err != nil:
			a.state = attemptFailed
			logger.Warn("unable to load fragment", "source", a.attr, "error", err)
		case !isSuccessStatus(frag.Status):
			a.state = attemptFailed
			a.frag, a.cached = frag, cached
			logger.Error("fragment returned error status", "source", a.attr, "status", frag.Status)
			if errored == nil {
				errored = a
			}
		default:
			a.state = attemptSucceeded
			a.frag, a.cached = frag, cached
		}
		if a.state == attemptSucceeded {
			break
		}
	}

	inc := fallbackInclude(d, index)
	if won := settled(attempts); won != nil {
		inc.Fragment, inc.SourceAttr, inc.Cached = won.frag, won.attr, won.cached
	} else if inc.Primary && errored != nil {
		// A primary include carries the upstream error to the page instead
		// of hiding it behind fallback content. It must not be cached.
		inc.Fragment, inc.SourceAttr, inc.Cached = errored.frag, errored.attr, errored.cached
		inc.Fragment.ExpiresAt = Expired
	}
	inc.Duration = r.now().Sub(start)

	span.SetAttributes(
		attribute.String("stitch.include.id", id),
		attribute.Bool("stitch.include.primary", inc.Primary),
		attribute.String("stitch.include.resolved_with", inc.ResolvedWith()),
		attribute.Int("stitch.include.status", inc.Fragment.Status),
	)
	logger.Debug("resolved include", "resolvedWith", inc.ResolvedWith(), "duration", inc.Duration)
	return inc
}

func settled(attempts []attempt) *attempt {
	for i := range attempts {
		if attempts[i].state == attemptSucceeded {
			return &attempts[i]
		}
	}
	return nil
}

func (r *Resolver) attempts(d Directive, logger *slog.Logger) []attempt {
	sources := []struct{ attr, url, timeoutAttr string }{
		{AttrSource, d.Src(), AttrSourceTimeout},
		{AttrFallbackSource, d.FallbackSrc(), AttrFallbackSrcTimeout},
	}
	out := make([]attempt, 0, len(sources))
	for _, s := range sources {
		if s.url == "" {
			continue
		}
		timeout := r.cfg.RequestTimeout
		if raw, ok := d.Attrs[s.timeoutAttr]; ok {
			if t, present, valid := parseTimeout(raw); valid {
				timeout = t
			} else if present {
				logger.Error("invalid request timeout", "attr", s.timeoutAttr, "value", raw)
			}
		}
		out = append(out, attempt{attr: s.attr, url: s.url, timeout: timeout})
	}
	return out
}

func (r *Resolver) forwardedHeaders() []string {
	names := make([]string, 0, len(r.cfg.RequestHeadersForward)+len(r.cfg.RequestHeadersForwardVary))
	names = append(names, r.cfg.RequestHeadersForward...)
	return append(names, r.cfg.RequestHeadersForwardVary...)
}

// load returns the fragment for url from the cache or, on a miss, from the
// fetcher. Concurrent misses for the same cache key share one fetch.
func (r *Resolver) load(ctx context.Context, url string, timeout time.Duration, header http.Header) (Fragment, bool, error) {
	key := CacheKey(url, header, r.cfg.RequestHeadersForwardVary)
	if f, ok := r.cache.Get(key); ok {
		return f, true, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		req := FetchRequest{URL: url, Header: header, Timeout: timeout}
		f, err := r.fetcher.Fetch(ctx, req)
		if err != nil {
			return Fragment{}, err
		}
		if isCacheableStatus(f.Status) {
			if err := r.cache.Put(key, f, req); err != nil && !errors.Is(err, ErrNotCacheable) {
				r.logger.Debug("fragment not cached", "url", url, "error", err)
			}
		}
		return f, nil
	})
	if err != nil {
		return Fragment{}, false, err
	}
	return v.(Fragment), false, nil
}
