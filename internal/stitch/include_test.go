package stitch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func directive(t *testing.T, tag string) Directive {
	t.Helper()
	for d := range Scan(tag) {
		return d
	}
	t.Fatalf("no directive in %q", tag)
	return Directive{}
}

type resolverFixture struct {
	clock    *fakeClock
	cache    *FragmentCache
	fetcher  *fakeFetcher
	resolver *Resolver
}

func newResolverFixture(cfg TransclusionConfig, fn func(req FetchRequest) (Fragment, error)) *resolverFixture {
	clock := newFakeClock()
	fetcher := newFakeFetcher(fn)
	cache := newTestCache(MiB, clock)
	r := NewResolver(cfg, cache, fetcher, nil)
	r.now = clock.Now
	return &resolverFixture{clock: clock, cache: cache, fetcher: fetcher, resolver: r}
}

var errUnreachable = errors.New("connection refused")

// routeFetcher answers by URL: "ok" URLs succeed, "down" URLs fail with a
// fetch error, "503" URLs return a service-unavailable fragment.
func routeFetcher(clock func() time.Time) func(req FetchRequest) (Fragment, error) {
	return func(req FetchRequest) (Fragment, error) {
		switch req.URL {
		case "https://f.test/down":
			return Fragment{}, &FetchError{URL: req.URL, Err: errUnreachable}
		case "https://f.test/503":
			return Fragment{
				URL:       req.URL,
				Status:    http.StatusServiceUnavailable,
				Body:      "maintenance",
				Header:    http.Header{"Content-Language": {"en"}},
				ExpiresAt: Expired,
			}, nil
		default:
			return testFragment(req.URL, "content of "+req.URL, clock().Add(time.Minute)), nil
		}
	}
}

func TestResolveFromSourceThenCache(t *testing.T) {
	var fx *resolverFixture
	fx = newResolverFixture(testTransclusionConfig(), func(req FetchRequest) (Fragment, error) {
		return routeFetcher(fx.clock.Now)(req)
	})
	d := directive(t, `<stitch-include src="https://f.test/ok">fallback</stitch-include>`)

	inc := fx.resolver.Resolve(context.Background(), d, 0, nil)
	if inc.SourceAttr != AttrSource || inc.Cached || inc.Fragment.Body != "content of https://f.test/ok" {
		t.Fatalf("unexpected include %+v", inc)
	}
	if inc.ResolvedWith() != "remote src" {
		t.Fatalf("want remote src, got %q", inc.ResolvedWith())
	}

	inc = fx.resolver.Resolve(context.Background(), d, 0, nil)
	if !inc.Cached || inc.ResolvedWith() != "cached src" {
		t.Fatalf("second resolution must hit the cache, got %+v", inc)
	}
	if got := fx.fetcher.Calls("https://f.test/ok"); got != 1 {
		t.Fatalf("want 1 fetch, got %d", got)
	}
}

func TestResolveFallsBackToFallbackSource(t *testing.T) {
	var fx *resolverFixture
	fx = newResolverFixture(testTransclusionConfig(), func(req FetchRequest) (Fragment, error) {
		return routeFetcher(fx.clock.Now)(req)
	})
	d := directive(t, `<stitch-include src="https://f.test/down" fallback-src="https://f.test/ok2">fallback</stitch-include>`)

	inc := fx.resolver.Resolve(context.Background(), d, 3, nil)
	if inc.SourceAttr != AttrFallbackSource || inc.Fragment.URL != "https://f.test/ok2" {
		t.Fatalf("want fallback-src fragment, got %+v", inc)
	}
	if inc.Index != 3 || inc.ResolvedWith() != "remote fallback-src" {
		t.Fatalf("unexpected include %+v", inc)
	}
}

func TestResolveUsesLiteralFallback(t *testing.T) {
	var fx *resolverFixture
	fx = newResolverFixture(testTransclusionConfig(), func(req FetchRequest) (Fragment, error) {
		return routeFetcher(fx.clock.Now)(req)
	})

	for _, tag := range []string{
		`<stitch-include src="https://f.test/down" fallback-src="https://f.test/503"><em>offline</em></stitch-include>`,
		`<stitch-include><em>offline</em></stitch-include>`,
	} {
		inc := fx.resolver.Resolve(context.Background(), directive(t, tag), 0, nil)
		want := Fragment{Status: http.StatusOK, Body: "<em>offline</em>", Header: http.Header{}, ExpiresAt: Expired}
		if diff := cmp.Diff(want, inc.Fragment); diff != "" {
			t.Fatalf("%s: literal fragment mismatch (-want +got):\n%s", tag, diff)
		}
		if inc.SourceAttr != "" || inc.ResolvedWith() != "fallback content" {
			t.Fatalf("%s: unexpected source %q", tag, inc.ResolvedWith())
		}
	}
	if fx.cache.Len() != 0 {
		t.Fatalf("literal and failed fragments must not be cached, got %d entries", fx.cache.Len())
	}
}

func TestResolveErroredPrimary(t *testing.T) {
	var fx *resolverFixture
	fx = newResolverFixture(testTransclusionConfig(), func(req FetchRequest) (Fragment, error) {
		return routeFetcher(fx.clock.Now)(req)
	})

	primary := fx.resolver.Resolve(context.Background(),
		directive(t, `<stitch-include primary src="https://f.test/503" fallback-src="https://f.test/down">fb</stitch-include>`), 0, nil)
	if primary.Fragment.Status != http.StatusServiceUnavailable || primary.Fragment.Body != "maintenance" {
		t.Fatalf("primary must carry the upstream error, got %+v", primary.Fragment)
	}
	if primary.Fragment.Header.Get("Content-Language") != "en" {
		t.Fatalf("errored primary headers lost: %v", primary.Fragment.Header)
	}
	if !primary.Fragment.ExpiresAt.Equal(Expired) {
		t.Fatal("errored primary must not be cacheable")
	}

	plain := fx.resolver.Resolve(context.Background(),
		directive(t, `<stitch-include src="https://f.test/503">fb</stitch-include>`), 0, nil)
	if !plain.Fragment.Literal() || plain.Fragment.Body != "fb" {
		t.Fatalf("non-primary include must use fallback content, got %+v", plain.Fragment)
	}
}

func TestResolveErroredCacheablePrimaryIsNotCacheableForPage(t *testing.T) {
	var fx *resolverFixture
	fx = newResolverFixture(testTransclusionConfig(), func(req FetchRequest) (Fragment, error) {
		return Fragment{URL: req.URL, Status: http.StatusNotFound, Body: "nope", ExpiresAt: fx.clock.Now().Add(time.Minute)}, nil
	})

	inc := fx.resolver.Resolve(context.Background(), directive(t, `<stitch-include primary src="https://f.test/404"/>`), 0, nil)
	if inc.Fragment.Status != http.StatusNotFound || !inc.Fragment.ExpiresAt.Equal(Expired) {
		t.Fatalf("unexpected fragment %+v", inc.Fragment)
	}
	// The 404 itself is still cacheable for later fetches.
	if fx.cache.Len() != 1 {
		t.Fatalf("want cached 404, got %d entries", fx.cache.Len())
	}
}

func TestResolveForwardsAndVariesHeaders(t *testing.T) {
	cfg := testTransclusionConfig()
	cfg.RequestHeadersForward = []string{"X-Request-Id"}
	cfg.RequestHeadersForwardVary = []string{"Accept-Language"}

	var mu sync.Mutex
	var seen []http.Header
	var fx *resolverFixture
	fx = newResolverFixture(cfg, func(req FetchRequest) (Fragment, error) {
		mu.Lock()
		seen = append(seen, req.Header)
		mu.Unlock()
		return testFragment(req.URL, "x", fx.clock.Now().Add(time.Minute)), nil
	})
	d := directive(t, `<stitch-include src="https://f.test/nav"/>`)
	ctx := context.Background()

	fx.resolver.Resolve(ctx, d, 0, http.Header{"X-Request-Id": {"1"}, "Cookie": {"session=1"}, "Accept-Language": {"en"}})
	second := fx.resolver.Resolve(ctx, d, 0, http.Header{"X-Request-Id": {"2"}, "Accept-Language": {"en"}})
	if !second.Cached {
		t.Fatal("requests differing in a non-vary header must share the cache entry")
	}
	third := fx.resolver.Resolve(ctx, d, 0, http.Header{"X-Request-Id": {"3"}, "Accept-Language": {"de"}})
	if third.Cached {
		t.Fatal("requests differing in a vary header must not share the cache entry")
	}

	if got := fx.fetcher.Calls("https://f.test/nav"); got != 2 {
		t.Fatalf("want 2 fetches, got %d", got)
	}
	want := http.Header{"X-Request-Id": {"1"}, "Accept-Language": {"en"}}
	if diff := cmp.Diff(want, seen[0]); diff != "" {
		t.Fatalf("forwarded headers mismatch (-want +got):\n%s", diff)
	}
}

func TestResolvePerSourceTimeouts(t *testing.T) {
	var mu sync.Mutex
	timeouts := map[string]time.Duration{}
	fx := newResolverFixture(testTransclusionConfig(), func(req FetchRequest) (Fragment, error) {
		mu.Lock()
		timeouts[req.URL] = req.Timeout
		mu.Unlock()
		return Fragment{}, &FetchError{URL: req.URL, Err: errUnreachable}
	})

	fx.resolver.Resolve(context.Background(), directive(t,
		`<stitch-include src="https://f.test/a" src-timeout="150" fallback-src="https://f.test/b" fallback-src-timeout="oops"/>`), 0, nil)

	want := map[string]time.Duration{
		"https://f.test/a": 150 * time.Millisecond,
		"https://f.test/b": testTransclusionConfig().RequestTimeout,
	}
	if diff := cmp.Diff(want, timeouts); diff != "" {
		t.Fatalf("timeouts mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveCollapsesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	var fx *resolverFixture
	fx = newResolverFixture(testTransclusionConfig(), func(req FetchRequest) (Fragment, error) {
		<-release
		return testFragment(req.URL, "x", fx.clock.Now().Add(time.Minute)), nil
	})
	d := directive(t, `<stitch-include src="https://f.test/hot"/>`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.resolver.Resolve(context.Background(), d, 0, nil)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := fx.fetcher.Calls("https://f.test/hot"); got != 1 {
		t.Fatalf("want 1 fetch for concurrent misses, got %d", got)
	}
}

func TestResolveEvictsReadFragments(t *testing.T) {
	clock := newFakeClock()
	fetch := routeFetcher(clock.Now)
	one, _ := fetch(FetchRequest{URL: "https://f.test/a"})
	size, err := fragmentSize(one)
	if err != nil {
		t.Fatalf("size: %v", err)
	}

	cache := newTestCache(ByteSize(size), clock)
	r := NewResolver(testTransclusionConfig(), cache, newFakeFetcher(fetch), nil)
	r.now = clock.Now

	for _, tag := range []string{
		`<stitch-include src="https://f.test/a"/>`,
		`<stitch-include src="https://f.test/a"/>`,
		`<stitch-include src="https://f.test/b"/>`,
	} {
		inc := r.Resolve(context.Background(), directive(t, tag), 0, nil)
		if inc.SourceAttr != AttrSource {
			t.Fatalf("%s: want src resolution, got %s", tag, inc.ResolvedWith())
		}
	}
	if diff := cmp.Diff([]string{"https://f.test/b"}, cache.Keys()); diff != "" {
		t.Fatalf("cache keys (-want +got):\n%s", diff)
	}
}
