package stitch

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Result is the composed page: the document with every directive
// substituted, plus the status, headers and cache lifetime merged from the
// resolved fragments. It is filled with add and sealed by finalize.
type Result struct {
	document        string
	stats           StatsConfig
	responseHeaders []string
	logger          *slog.Logger
	now             func() time.Time

	includes []Include
	primary  *Include
	content  string
	elapsed  time.Duration
	cache    CacheStats
}

func newResult(document string, stats StatsConfig, responseHeaders []string, logger *slog.Logger) *Result {
	if logger == nil {
		logger = discardLogger()
	}
	return &Result{
		document:        document,
		stats:           stats,
		responseHeaders: responseHeaders,
		logger:          logger,
		now:             time.Now,
		content:         document,
	}
}

func (r *Result) add(inc Include) {
	r.includes = append(r.includes, inc)
}

// finalize orders the includes by document position, substitutes them and
// elects the primary include.
func (r *Result) finalize(elapsed time.Duration, cache CacheStats) {
	r.elapsed = elapsed
	r.cache = cache
	sort.Slice(r.includes, func(i, j int) bool {
		return r.includes[i].Directive.Start < r.includes[j].Directive.Start
	})

	var b strings.Builder
	b.Grow(len(r.document))
	cursor := 0
	for i := range r.includes {
		inc := &r.includes[i]
		d := inc.Directive
		if d.Start < cursor || d.End > len(r.document) {
			r.logger.Error("skipping overlapping include", "include", inc.ID)
			continue
		}
		b.WriteString(r.document[cursor:d.Start])
		b.WriteString(inc.Fragment.Body)
		cursor = d.End

		if !inc.Primary {
			continue
		}
		if r.primary != nil {
			r.logger.Error("found multiple primary includes in one page, only treating the first as primary",
				"include", inc.ID, "primary", r.primary.ID)
			continue
		}
		r.primary = inc
	}
	b.WriteString(r.document[cursor:])
	r.content = b.String()
}

// Content returns the composed document, followed by the stats comment
// when stats are enabled.
func (r *Result) Content() string {
	if r.stats.AppendToContent {
		return r.content + r.statsComment()
	}
	return r.content
}

// Includes returns the resolved includes in document order.
func (r *Result) Includes() []Include { return r.includes }

// Elapsed is the wall time spent resolving the page.
func (r *Result) Elapsed() time.Duration { return r.elapsed }

// HasPrimary reports whether a primary include took part in the page.
func (r *Result) HasPrimary() bool { return r.primary != nil }

// StatusCode returns the primary fragment's status, or def without a
// primary include.
func (r *Result) StatusCode(def int) int {
	if r.primary == nil {
		return def
	}
	return r.primary.Fragment.Status
}

// Header returns the forwarded response headers of the primary fragment.
// They replace the page's headers of the same name.
func (r *Result) Header() http.Header {
	if r.primary == nil {
		return http.Header{}
	}
	return filterHeader(r.primary.Fragment.Header, r.responseHeaders)
}

// CacheControl merges the page's own freshness (taken from page) with the
// remaining lifetime of every fragment. It returns the page's Cache-Control
// untouched when there are no includes, "no-store" when any fragment is
// already expired, and "max-age=N" otherwise, N never exceeding the page's
// own lifetime.
func (r *Result) CacheControl(page http.Header) string {
	if len(r.includes) == 0 {
		return page.Get("Cache-Control")
	}
	now := r.now()

	lifetime, bounded := freshnessLifetime(page, now)
	if bounded && lifetime <= 0 {
		return "no-store"
	}
	for _, inc := range r.includes {
		remaining := inc.Fragment.ExpiresAt.Sub(now)
		if remaining <= 0 {
			return "no-store"
		}
		if !bounded || remaining < lifetime {
			lifetime, bounded = remaining, true
		}
	}
	return fmt.Sprintf("max-age=%d", int64(math.Ceil(lifetime.Seconds())))
}

// ApplyTo writes the merged status-independent metadata onto a response
// header set: forwarded primary headers and the merged Cache-Control.
func (r *Result) ApplyTo(h http.Header) {
	cc := r.CacheControl(h)
	for name, vs := range r.Header() {
		h[name] = append([]string(nil), vs...)
	}
	if cc == "" {
		return
	}
	h.Set("Cache-Control", cc)
	h.Del("Expires")
}

func (r *Result) statsComment() string {
	var b strings.Builder
	b.WriteString("\n<!-- ")
	b.WriteString(r.processedLine())

	if len(r.includes) > 0 {
		rows := append([]Include(nil), r.includes...)
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

		b.WriteString("\n\nTime | Include | Resolved With | Fragment Cacheability")
		if r.stats.ExposeFragmentURL {
			b.WriteString(" | Fragment URL")
		}
		b.WriteString("\n------------------------------------------------------")
		now := r.now()
		for _, inc := range rows {
			b.WriteByte('\n')
			b.WriteString(r.statsRow(inc, now))
		}
	}

	b.WriteString("\n\n")
	b.WriteString(cacheLine(r.cache))
	b.WriteString("\n-->")
	return b.String()
}

func (r *Result) processedLine() string {
	noun := "includes"
	if len(r.includes) == 1 {
		noun = "include"
	}
	return fmt.Sprintf("Processed %d %s in %dms", len(r.includes), noun, r.elapsed.Milliseconds())
}

func (r *Result) statsRow(inc Include, now time.Time) string {
	id := inc.ID
	if inc.Primary {
		id += " (primary)"
	}

	cacheability := "-"
	switch {
	case inc.Fragment.Literal():
	case inc.Fragment.ExpiresAt.Equal(Expired):
		cacheability = "not cacheable"
	default:
		cacheability = fmt.Sprintf("expires in %ds", int64(math.Ceil(inc.Fragment.ExpiresAt.Sub(now).Seconds())))
	}

	row := fmt.Sprintf("%dms | %s | %s | %s", inc.Duration.Milliseconds(), id, inc.ResolvedWith(), cacheability)
	if r.stats.ExposeFragmentURL {
		u := inc.Fragment.URL
		if u == "" {
			u = "-"
		}
		row += " | " + u
	}
	return row
}

func cacheLine(s CacheStats) string {
	return fmt.Sprintf("Cache: %d items, %d hits, %d misses, %d successful refreshs, %d failed refreshs",
		s.Items, s.Hits, s.Misses, s.RefreshSuccesses, s.RefreshFailures)
}
