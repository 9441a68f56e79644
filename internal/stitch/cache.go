package stitch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

var (
	// ErrNotCacheable is returned by Put for fragments that are already expired.
	ErrNotCacheable = errors.New("fragment is not cacheable")
	// ErrFragmentTooLarge is returned by Put for fragments larger than the
	// whole cache budget.
	ErrFragmentTooLarge = errors.New("fragment exceeds cache size")
)

// CacheKey builds the cache key of a fetch: the URL plus the lower-cased
// values of the vary headers present in header. Headers outside vary never
// affect the key.
func CacheKey(url string, header http.Header, vary []string) string {
	var b strings.Builder
	b.WriteString(url)
	for _, name := range vary {
		v := strings.ToLower(strings.Join(header.Values(name), ","))
		if v == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// Fetcher performs one outbound fragment fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Fragment, error)
}

// cacheEntry fields other than the immutable ones are guarded by
// FragmentCache.mu.
type cacheEntry struct {
	key     string
	req     FetchRequest
	created time.Time
	seq     uint64

	frag      Fragment
	size      int64
	digest    [32]byte
	writtenAt time.Time

	lastRead       time.Time
	readSinceWrite bool

	refreshAttempts   int
	inactiveRefreshes int
	refreshing        bool
	refreshStopped    bool

	queue      *entryQueue
	prev, next *cacheEntry
}

// EntryInfo is a point-in-time copy of a cache entry's bookkeeping.
type EntryInfo struct {
	Fragment          Fragment
	Size              int64
	CreatedAt         time.Time
	LastReadAt        time.Time // zero until the first read
	RefreshAttempts   int
	InactiveRefreshes int
	RefreshStopped    bool
}

// CacheStats counts cache activity since startup.
type CacheStats struct {
	Items            int
	Size             int64
	Hits             uint64
	Misses           uint64
	Evictions        uint64
	RefreshSuccesses uint64
	RefreshFailures  uint64
	RefreshUnchanged uint64
}

// FragmentCache is a size-bounded in-memory fragment store. When full it
// evicts entries that were never read (oldest insertion first), then entries
// by least recent read. Expired entries are dropped on access.
type FragmentCache struct {
	maxBytes int64
	refresh  AutoRefreshConfig
	fetcher  Fetcher
	disk     *diskTier
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	items  map[string]*cacheEntry
	unread entryQueue
	read   entryQueue
	total  int64
	seq    uint64

	hits             atomic.Uint64
	misses           atomic.Uint64
	evictions        atomic.Uint64
	refreshSuccesses atomic.Uint64
	refreshFailures  atomic.Uint64
	refreshUnchanged atomic.Uint64

	overflowLog *rateLimitedLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFragmentCache creates a cache. fetcher is used by auto-refresh and may
// be nil when auto-refresh is disabled; disk may be nil.
func NewFragmentCache(cfg CacheConfig, fetcher Fetcher, disk *diskTier, logger *slog.Logger) *FragmentCache {
	if logger == nil {
		logger = discardLogger()
	}
	return &FragmentCache{
		maxBytes:    int64(cfg.MaxSize),
		refresh:     cfg.AutoRefresh,
		fetcher:     fetcher,
		disk:        disk,
		logger:      logger,
		now:         time.Now,
		items:       map[string]*cacheEntry{},
		overflowLog: newRateLimitedLogger(logger, time.Minute),
		stopCh:      make(chan struct{}),
	}
}

// Get returns the fresh fragment stored under key and records the read.
func (c *FragmentCache) Get(key string) (Fragment, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && !e.frag.FreshAt(now) {
		c.removeLocked(e)
		ok = false
	}
	if ok {
		c.markReadLocked(e, now)
		f := e.frag
		c.mu.Unlock()
		c.hits.Add(1)
		return f, true
	}
	c.mu.Unlock()

	if c.disk != nil {
		if rec, ok := c.disk.Get(key); ok && rec.Fragment.FreshAt(now) {
			if err := c.Put(key, rec.Fragment, rec.Request); err == nil {
				c.mu.Lock()
				if e, ok := c.items[key]; ok {
					c.markReadLocked(e, now)
				}
				c.mu.Unlock()
			}
			c.hits.Add(1)
			return rec.Fragment, true
		}
	}

	c.misses.Add(1)
	return Fragment{}, false
}

func (c *FragmentCache) markReadLocked(e *cacheEntry, now time.Time) {
	e.lastRead = now
	e.readSinceWrite = true
	e.queue.remove(e)
	c.read.pushBack(e)
}

// Put stores f under key, replacing any previous entry and resetting its
// refresh bookkeeping. req is what auto-refresh repeats.
func (c *FragmentCache) Put(key string, f Fragment, req FetchRequest) error {
	now := c.now()
	if !f.FreshAt(now) {
		return ErrNotCacheable
	}
	size, err := fragmentSize(f)
	if err != nil {
		return err
	}
	if size > c.maxBytes {
		c.overflowLog.Warn("fragment exceeds cache size, not caching",
			"url", f.URL, "size", formatBytes(uint64(size)), "max", formatBytes(uint64(c.maxBytes)))
		return ErrFragmentTooLarge
	}

	var evicted []*cacheEntry
	defer func() { c.spill(evicted) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[key]; ok {
		c.removeLocked(old)
	}
	evicted = c.evictLocked(size, nil)

	c.seq++
	e := &cacheEntry{
		key:       key,
		req:       req,
		created:   now,
		seq:       c.seq,
		frag:      f,
		size:      size,
		digest:    blake3.Sum256([]byte(f.Body)),
		writtenAt: now,
	}
	c.items[key] = e
	c.unread.pushBack(e)
	c.total += size
	return nil
}

// Remove drops the entry stored under key, if any.
func (c *FragmentCache) Remove(key string) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	if c.disk != nil {
		c.disk.Delete(key)
	}
}

// evictLocked makes room for incoming bytes, never evicting keep, and
// returns the evicted entries. keep may be nil.
func (c *FragmentCache) evictLocked(incoming int64, keep *cacheEntry) []*cacheEntry {
	var evicted []*cacheEntry
	for c.total+incoming > c.maxBytes {
		victim := c.unread.head
		if victim != nil && victim == keep {
			victim = victim.next
		}
		if victim == nil {
			victim = c.read.head
			if victim != nil && victim == keep {
				victim = victim.next
			}
		}
		if victim == nil {
			break
		}
		c.removeLocked(victim)
		c.evictions.Add(1)
		c.overflowLog.Warn("fragment cache full, evicting", "key", victim.key)
		evicted = append(evicted, victim)
	}
	return evicted
}

// spill hands evicted entries to the disk tier. It must be called without
// c.mu held.
func (c *FragmentCache) spill(evicted []*cacheEntry) {
	if c.disk == nil {
		return
	}
	for _, e := range evicted {
		c.disk.PutAsync(e.key, diskRecord{Fragment: e.frag, Request: e.req})
	}
}

func (c *FragmentCache) removeLocked(e *cacheEntry) {
	e.queue.remove(e)
	delete(c.items, e.key)
	c.total -= e.size
}

// Entry returns a snapshot of the entry stored under key without counting
// as a read.
func (c *FragmentCache) Entry(key string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Fragment:          e.frag,
		Size:              e.size,
		CreatedAt:         e.created,
		LastReadAt:        e.lastRead,
		RefreshAttempts:   e.refreshAttempts,
		InactiveRefreshes: e.inactiveRefreshes,
		RefreshStopped:    e.refreshStopped,
	}, true
}

// Keys returns the cached keys in sorted order.
func (c *FragmentCache) Keys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *FragmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *FragmentCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *FragmentCache) Stats() CacheStats {
	c.mu.Lock()
	items, size := len(c.items), c.total
	c.mu.Unlock()
	return CacheStats{
		Items:            items,
		Size:             size,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		Evictions:        c.evictions.Load(),
		RefreshSuccesses: c.refreshSuccesses.Load(),
		RefreshFailures:  c.refreshFailures.Load(),
		RefreshUnchanged: c.refreshUnchanged.Load(),
	}
}

// entryQueue is an intrusive doubly linked list of entries.
type entryQueue struct {
	head, tail *cacheEntry
}

func (q *entryQueue) pushBack(e *cacheEntry) {
	e.queue = q
	e.next = nil
	e.prev = q.tail
	if q.tail != nil {
		q.tail.next = e
	} else {
		q.head = e
	}
	q.tail = e
}

func (q *entryQueue) remove(e *cacheEntry) {
	if q == nil || e.queue != q {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.tail = e.prev
	}
	e.prev, e.next, e.queue = nil, nil, nil
}
