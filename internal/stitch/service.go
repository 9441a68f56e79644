package stitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Service is the composition proxy: it forwards requests to the origin and
// resolves the includes of HTML responses before they reach the client.
type Service struct {
	cfg    Config
	logger *slog.Logger

	httpClient *http.Client

	disk        *diskTier
	cache       *FragmentCache
	fetcher     *HTTPFetcher
	resolver    *Resolver
	transcluder *Transcluder

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *pageStats
}

func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.Server.Origin == "" {
		return nil, errors.New("server.origin is required")
	}

	var disk *diskTier
	if cfg.Cache.Disk.Path != "" {
		d, err := openDiskTier(cfg.Cache.Disk.Path, int64(cfg.Cache.Disk.Max), logger.With("component", "disk"))
		if err != nil {
			return nil, fmt.Errorf("open disk tier: %w", err)
		}
		disk = d
	}

	fetcher := NewHTTPFetcher(cfg.Transclusion)
	cache := NewFragmentCache(cfg.Cache, fetcher, disk, logger.With("component", "cache"))
	resolver := NewResolver(cfg.Transclusion, cache, fetcher, logger.With("component", "resolver"))

	s := &Service{
		cfg:         cfg,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		disk:        disk,
		cache:       cache,
		fetcher:     fetcher,
		resolver:    resolver,
		transcluder: NewTranscluder(cfg.Transclusion, cfg.Stats, resolver, cache, logger.With("component", "transclusion")),
		stopCh:      make(chan struct{}),
		stats:       newPageStats(),
	}
	cache.Start()

	if every := cfg.Logging.LogStatsEvery; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.startPrewarm()

	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.cache.Close()
	if s.disk != nil {
		s.disk.close()
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Transcluder exposes the engine for callers that compose documents
// themselves.
func (s *Service) Transcluder() *Transcluder { return s.transcluder }

// originResponse is a fully buffered origin response.
type originResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if rule := s.pickRule(r.URL.Path); rule != nil && rule.Bypass {
		s.proxyPass(w, r, "bypass")
		return
	}
	if r.Method != http.MethodGet {
		s.proxyPass(w, r, "passthrough")
		return
	}

	resp, err := s.fetchFromOrigin(r)
	if err != nil {
		s.logger.Warn("origin request failed", "path", r.URL.Path, "error", err)
		setStitchHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if !composable(resp.Header) {
		writeResponse(w, resp, "passthrough")
		return
	}

	res := s.transcluder.ResolveIncludes(r.Context(), string(resp.Body), r.Header)
	header := cloneHeader(resp.Header)
	res.ApplyTo(header)
	body := res.Content()
	if body != string(resp.Body) {
		// Origin validators describe the uncomposed markup.
		header.Del("ETag")
		header.Del("Last-Modified")
	}

	s.stats.Observe(len(body), len(res.Includes()))
	writeResponse(w, originResponse{
		Status: res.StatusCode(resp.Status),
		Header: header,
		Body:   []byte(body),
	}, "composed")
}

func (s *Service) pickRule(path string) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// composable reports whether a response body can be scanned for includes:
// uncompressed HTML.
func composable(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil || mt != "text/html" {
		return false
	}
	enc := strings.TrimSpace(h.Get("Content-Encoding"))
	return enc == "" || strings.EqualFold(enc, "identity")
}

func writeResponse(w http.ResponseWriter, resp originResponse, stitch string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-stitch") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	setStitchHeaders(w.Header(), stitch)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setStitchHeaders(h http.Header, stitch string) {
	if stitch != "" {
		h.Set("X-Stitch", stitch)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, "X-Stitch")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, stitch string) {
	resp, err := s.fetchFromOrigin(r)
	if err != nil {
		s.logger.Warn("origin request failed", "path", r.URL.Path, "error", err)
		setStitchHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if r.Method == http.MethodHead {
		resp.Body = nil
	}
	writeResponse(w, resp, stitch)
}

func (s *Service) fetchFromOrigin(r *http.Request) (originResponse, error) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return originResponse{}, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, body)
	if err != nil {
		return originResponse{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return originResponse{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return originResponse{}, err
	}

	out := originResponse{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	cs := s.cache.Stats()
	ps := s.stats.Snapshot()
	args := []any{
		"fragments", cs.Items,
		"ram", formatBytes(uint64(cs.Size)),
		"hits", cs.Hits,
		"misses", cs.Misses,
		"evictions", cs.Evictions,
		"refreshOK", cs.RefreshSuccesses,
		"refreshFailed", cs.RefreshFailures,
		"refreshUnchanged", cs.RefreshUnchanged,
		"pages", ps.Pages,
		"pageSize", fmt.Sprintf("%s/%s/%s",
			formatBytes(ps.MinBytes), formatBytes(ps.AvgBytes), formatBytes(ps.MaxBytes)),
		"includes", ps.Includes,
	}
	if s.disk != nil {
		args = append(args, "disk", formatBytes(uint64(s.disk.TotalSize())), "diskFragments", s.disk.KeyCount())
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", formatBytes(rss))
	}
	s.logger.Info("stats", args...)
}

// closeContext is cancelled when the service shuts down.
func (s *Service) closeContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
