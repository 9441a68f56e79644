package stitch

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(maxSize ByteSize, clock *fakeClock) *FragmentCache {
	c := NewFragmentCache(CacheConfig{MaxSize: maxSize}, nil, nil, nil)
	c.now = clock.Now
	return c
}

func testFragment(url, body string, expiresAt time.Time) Fragment {
	return Fragment{URL: url, Status: http.StatusOK, Body: body, ExpiresAt: expiresAt}
}

func mustPut(t *testing.T, c *FragmentCache, key string, f Fragment) {
	t.Helper()
	if err := c.Put(key, f, FetchRequest{URL: f.URL}); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestCacheKey(t *testing.T) {
	vary := []string{"Accept-Language"}

	a := CacheKey("https://f.test/x", http.Header{"X-Request-Id": {"1"}}, vary)
	b := CacheKey("https://f.test/x", http.Header{"X-Request-Id": {"2"}}, vary)
	if a != b {
		t.Fatalf("non-vary header changed the key: %q vs %q", a, b)
	}

	en := CacheKey("https://f.test/x", http.Header{"Accept-Language": {"en"}}, vary)
	de := CacheKey("https://f.test/x", http.Header{"Accept-Language": {"de"}}, vary)
	if en == de || en == a {
		t.Fatalf("vary header must change the key: %q %q %q", en, de, a)
	}

	upper := CacheKey("https://f.test/x", http.Header{"Accept-Language": {"EN"}}, vary)
	if upper != en {
		t.Fatalf("vary values must be case-insensitive: %q vs %q", upper, en)
	}
}

func TestCachePutGet(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(MiB, clock)

	f := testFragment("https://f.test/a", "<p>a</p>", clock.Now().Add(time.Minute))
	mustPut(t, c, "a", f)

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("want hit")
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("fragment mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("want miss")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Items != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	size, _ := fragmentSize(f)
	if c.TotalSize() != size {
		t.Fatalf("want total %d, got %d", size, c.TotalSize())
	}

	info, _ := c.Entry("a")
	if !info.LastReadAt.Equal(clock.Now()) {
		t.Fatalf("read must set last-read instant, got %v", info.LastReadAt)
	}
}

func TestCacheDropsExpiredOnGet(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(MiB, clock)
	mustPut(t, c, "a", testFragment("https://f.test/a", "a", clock.Now().Add(5*time.Second)))

	clock.Advance(5 * time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expired fragment must not be returned")
	}
	if c.Len() != 0 || c.TotalSize() != 0 {
		t.Fatalf("expired entry must be removed, len=%d size=%d", c.Len(), c.TotalSize())
	}
}

func TestCacheRejectsUncacheable(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(MiB, clock)

	err := c.Put("a", testFragment("https://f.test/a", "a", Expired), FetchRequest{})
	if !errors.Is(err, ErrNotCacheable) {
		t.Fatalf("want ErrNotCacheable, got %v", err)
	}

	zero := newTestCache(0, clock)
	err = zero.Put("a", testFragment("https://f.test/a", "a", clock.Now().Add(time.Minute)), FetchRequest{})
	if !errors.Is(err, ErrFragmentTooLarge) {
		t.Fatalf("want ErrFragmentTooLarge with a zero budget, got %v", err)
	}
	if zero.Len() != 0 {
		t.Fatal("zero budget cache must stay empty")
	}
}

// sameSizeFragments returns fragments that encode to the same size.
func sameSizeFragments(clock *fakeClock, names ...string) (map[string]Fragment, int64) {
	out := map[string]Fragment{}
	exp := clock.Now().Add(time.Hour)
	for _, n := range names {
		out[n] = testFragment("https://f.test/"+n, "body-"+n, exp)
	}
	size, _ := fragmentSize(out[names[0]])
	return out, size
}

func TestCacheEvictsUnreadBeforeRead(t *testing.T) {
	clock := newFakeClock()
	frags, size := sameSizeFragments(clock, "a", "b", "c", "d")
	c := newTestCache(ByteSize(3*size), clock)

	mustPut(t, c, "a", frags["a"])
	mustPut(t, c, "b", frags["b"])
	mustPut(t, c, "c", frags["c"])
	if _, ok := c.Get("a"); !ok {
		t.Fatal("want hit for a")
	}

	mustPut(t, c, "d", frags["d"])
	if diff := cmp.Diff([]string{"a", "c", "d"}, c.Keys()); diff != "" {
		t.Fatalf("oldest unread entry must go first (-want +got):\n%s", diff)
	}
	if c.TotalSize() > 3*size {
		t.Fatalf("budget exceeded: %d > %d", c.TotalSize(), 3*size)
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("want 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestCacheEvictsLeastRecentlyRead(t *testing.T) {
	clock := newFakeClock()
	frags, size := sameSizeFragments(clock, "a", "b", "c", "d")
	c := newTestCache(ByteSize(3*size), clock)

	for _, k := range []string{"a", "b", "c"} {
		mustPut(t, c, k, frags[k])
	}
	for _, k := range []string{"c", "a", "b"} {
		clock.Advance(time.Second)
		if _, ok := c.Get(k); !ok {
			t.Fatalf("want hit for %s", k)
		}
	}

	mustPut(t, c, "d", frags["d"])
	if diff := cmp.Diff([]string{"a", "b", "d"}, c.Keys()); diff != "" {
		t.Fatalf("least recently read entry must go first (-want +got):\n%s", diff)
	}
}

func TestCacheEvictsWhenEveryEntryWasRead(t *testing.T) {
	clock := newFakeClock()
	frags, size := sameSizeFragments(clock, "a", "b")
	c := newTestCache(ByteSize(size), clock)

	mustPut(t, c, "a", frags["a"])
	if _, ok := c.Get("a"); !ok {
		t.Fatal("want hit for a")
	}
	mustPut(t, c, "b", frags["b"])

	if diff := cmp.Diff([]string{"b"}, c.Keys()); diff != "" {
		t.Fatalf("read entry must make room (-want +got):\n%s", diff)
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("want 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestCachePutReplacesAndResetsBookkeeping(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(MiB, clock)
	mustPut(t, c, "a", testFragment("https://f.test/a", "v1", clock.Now().Add(time.Minute)))

	c.mu.Lock()
	e := c.items["a"]
	e.refreshStopped = true
	e.refreshAttempts = 3
	e.inactiveRefreshes = 2
	c.mu.Unlock()

	mustPut(t, c, "a", testFragment("https://f.test/a", "v2-longer", clock.Now().Add(time.Minute)))
	info, ok := c.Entry("a")
	if !ok {
		t.Fatal("entry missing")
	}
	if info.RefreshStopped || info.RefreshAttempts != 0 || info.InactiveRefreshes != 0 {
		t.Fatalf("put must reset refresh bookkeeping, got %+v", info)
	}
	if info.Fragment.Body != "v2-longer" {
		t.Fatalf("want replaced body, got %q", info.Fragment.Body)
	}
	if c.TotalSize() != info.Size {
		t.Fatalf("size accounting drifted: total %d, entry %d", c.TotalSize(), info.Size)
	}
}

func TestCacheRemove(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(MiB, clock)
	mustPut(t, c, "a", testFragment("https://f.test/a", "a", clock.Now().Add(time.Minute)))
	c.Remove("a")
	c.Remove("a")
	if c.Len() != 0 || c.TotalSize() != 0 {
		t.Fatalf("want empty cache, len=%d size=%d", c.Len(), c.TotalSize())
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	frags, size := sameSizeFragments(clock, "a", "b", "c", "d", "e", "f")
	c := newTestCache(ByteSize(3*size), clock)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for k, f := range frags {
					_ = c.Put(k, f, FetchRequest{URL: f.URL})
					c.Get(k)
				}
			}
		}()
	}
	wg.Wait()

	if c.TotalSize() > 3*size {
		t.Fatalf("budget exceeded: %d", c.TotalSize())
	}
	var sum int64
	for _, k := range c.Keys() {
		info, _ := c.Entry(k)
		sum += info.Size
	}
	if sum != c.TotalSize() {
		t.Fatalf("size accounting drifted: sum %d, total %d", sum, c.TotalSize())
	}
}
