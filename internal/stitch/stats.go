package stitch

import (
	"math"
	"sync/atomic"
)

// pageStats tracks the size of composed pages.
type pageStats struct {
	pages    atomic.Uint64
	includes atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newPageStats() *pageStats {
	s := &pageStats{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *pageStats) Observe(pageBytes, includes int) {
	if pageBytes < 0 {
		pageBytes = 0
	}
	n := uint64(pageBytes)

	s.pages.Add(1)
	s.bytes.Add(n)
	s.includes.Add(uint64(includes))

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type pageStatsSnapshot struct {
	Pages    uint64
	Includes uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *pageStats) Snapshot() pageStatsSnapshot {
	count := s.pages.Load()
	if count == 0 {
		return pageStatsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return pageStatsSnapshot{
		Pages:    count,
		Includes: s.includes.Load(),
		MinBytes: minv,
		MaxBytes: s.maxBytes.Load(),
		AvgBytes: s.bytes.Load() / count,
	}
}
