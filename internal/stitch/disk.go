package stitch

import (
	"bytes"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// diskRecord is what the disk tier stores per key.
type diskRecord struct {
	Fragment Fragment     `cbor:"1,keyasint"`
	Request  FetchRequest `cbor:"2,keyasint"`
}

// diskMeta is kept in memory for every stored record so eviction never has
// to read fragment bodies back.
type diskMeta struct {
	Size       int64 `cbor:"1,keyasint"`
	LastAccess int64 `cbor:"2,keyasint"`
	ExpiresAt  int64 `cbor:"3,keyasint"`
}

func (m diskMeta) expiredAt(now int64) bool { return m.ExpiresAt <= now }

type diskOpKind int

const (
	diskPut diskOpKind = iota
	diskTouch
	diskDelete
)

type diskOp struct {
	kind diskOpKind
	key  string
	rec  *diskRecord
}

var (
	recordPrefix = []byte("f:")
	metaPrefix   = []byte("m:")
)

func recordKey(key string) []byte { return append(append([]byte{}, recordPrefix...), key...) }
func metaKey(key string) []byte   { return append(append([]byte{}, metaPrefix...), key...) }

// diskTier keeps fragments evicted from memory in leveldb so they can be
// promoted back while still fresh. Writes are applied by one goroutine;
// when its queue is full or the tier is closed, writes are dropped.
type diskTier struct {
	maxBytes int64
	logger   *slog.Logger
	dropLog  *rateLimitedLogger
	now      func() time.Time

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	sendMu sync.RWMutex
	closed bool
	ops    chan diskOp
	done   chan struct{}
}

func openDiskTier(path string, maxBytes int64, logger *slog.Logger) (*diskTier, error) {
	if logger == nil {
		logger = discardLogger()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskTier{
		maxBytes: maxBytes,
		logger:   logger,
		dropLog:  newRateLimitedLogger(logger, time.Minute),
		now:      time.Now,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

// close drains pending writes and closes the database. Later writes are
// dropped; reads keep failing softly.
func (d *diskTier) close() {
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		return
	}
	d.closed = true
	close(d.ops)
	d.sendMu.Unlock()

	<-d.done
	_ = d.db.Close()
}

// loadIndex rebuilds the in-memory index and purges records that expired
// while the process was down.
func (d *diskTier) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	now := d.now().UnixNano()
	var total int64
	idx := map[string]diskMeta{}
	stale := new(leveldb.Batch)
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeCBOR(it.Value(), &meta); err != nil || meta.expiredAt(now) {
			stale.Delete(recordKey(key))
			stale.Delete(metaKey(key))
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	if stale.Len() > 0 {
		if err := d.db.Write(stale, nil); err != nil {
			return err
		}
		d.logger.Info("disk tier: purged expired fragments", "count", stale.Len()/2)
	}

	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskTier) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskTier) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// Get reads the record stored under key. Expired records are dropped.
func (d *diskTier) Get(key string) (diskRecord, bool) {
	d.mu.Lock()
	meta, known := d.index[key]
	d.mu.Unlock()
	if !known {
		return diskRecord{}, false
	}
	if meta.expiredAt(d.now().UnixNano()) {
		d.Delete(key)
		return diskRecord{}, false
	}

	b, err := d.db.Get(recordKey(key), nil)
	if err != nil {
		return diskRecord{}, false
	}
	payload, err := unpackRecord(b)
	if err != nil {
		d.logger.Warn("disk tier: corrupt record", "key", key, "error", err)
		d.Delete(key)
		return diskRecord{}, false
	}
	var rec diskRecord
	if err := decodeCBOR(payload, &rec); err != nil {
		d.Delete(key)
		return diskRecord{}, false
	}
	d.enqueue(diskOp{kind: diskTouch, key: key})
	return rec, true
}

func (d *diskTier) PutAsync(key string, rec diskRecord) {
	clone := rec
	if !d.enqueue(diskOp{kind: diskPut, key: key, rec: &clone}) {
		d.dropLog.Warn("disk tier: write queue unavailable, dropping fragment", "key", key)
	}
}

func (d *diskTier) Delete(key string) {
	d.enqueue(diskOp{kind: diskDelete, key: key})
}

// enqueue never blocks: callers sit on request paths.
func (d *diskTier) enqueue(op diskOp) bool {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.ops <- op:
		return true
	default:
		return false
	}
}

func (d *diskTier) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		switch op.kind {
		case diskPut:
			d.applyPut(op.key, op.rec)
		case diskTouch:
			d.applyTouch(op.key)
		case diskDelete:
			d.applyDelete(op.key)
		}
	}
}

func (d *diskTier) applyTouch(key string) {
	d.mu.Lock()
	meta, known := d.index[key]
	if known {
		meta.LastAccess = d.now().UnixNano()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if !known {
		return
	}
	if mb, err := encodeCBOR(meta); err == nil {
		_ = d.db.Put(metaKey(key), mb, nil)
	}
}

func (d *diskTier) applyPut(key string, rec *diskRecord) {
	now := d.now()
	if !rec.Fragment.FreshAt(now) {
		d.applyDelete(key)
		return
	}

	payload, err := encodeCBOR(*rec)
	if err != nil {
		d.logger.Warn("disk tier: encode failed", "key", key, "error", err)
		return
	}
	b := packRecord(payload)
	meta := diskMeta{
		Size:       int64(len(b)),
		LastAccess: now.UnixNano(),
		ExpiresAt:  rec.Fragment.ExpiresAt.UnixNano(),
	}
	mb, err := encodeCBOR(meta)
	if err != nil {
		return
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(key), b)
	batch.Put(metaKey(key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.logger.Warn("disk tier: write failed", "key", key, "error", err)
		return
	}

	// The index only lists records that are readable.
	d.mu.Lock()
	if old, ok := d.index[key]; ok {
		d.totalSize -= old.Size
	}
	d.index[key] = meta
	d.totalSize += meta.Size
	over := d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.shrink()
	}
}

func (d *diskTier) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete(recordKey(key))
	batch.Delete(metaKey(key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// shrink brings the tier back under its budget: expired fragments go first,
// then the least recently accessed ones.
func (d *diskTier) shrink() {
	type candidate struct {
		key  string
		meta diskMeta
	}
	now := d.now().UnixNano()

	d.mu.Lock()
	excess := d.totalSize - d.maxBytes
	var expired, live []candidate
	for k, m := range d.index {
		if m.expiredAt(now) {
			expired = append(expired, candidate{k, m})
		} else {
			live = append(live, candidate{k, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(live, func(i, j int) bool {
		return live[i].meta.LastAccess < live[j].meta.LastAccess
	})

	evicted := 0
	for _, c := range expired {
		d.applyDelete(c.key)
		excess -= c.meta.Size
	}
	for _, c := range live {
		if excess <= 0 {
			break
		}
		d.applyDelete(c.key)
		excess -= c.meta.Size
		evicted++
	}
	if evicted > 0 || len(expired) > 0 {
		d.logger.Debug("disk tier: shrunk", "expired", len(expired), "evicted", evicted)
	}
}
