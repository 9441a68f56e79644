package stitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultUserAgent = "stitch/1"

// FetchError reports a fragment fetch that produced no HTTP response:
// connection errors, timeouts, oversized or undecodable bodies.
type FetchError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s: timeout: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPFetcher fetches fragments over HTTP. Any HTTP response, whatever its
// status, becomes a Fragment; responses with non-cacheable statuses are
// already expired.
type HTTPFetcher struct {
	client          *http.Client
	timeout         time.Duration
	defaultTTL      time.Duration
	sizeCap         int64
	responseHeaders []string
	userAgent       string
	now             func() time.Time
}

func NewHTTPFetcher(cfg TransclusionConfig) *HTTPFetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Accept-Encoding is negotiated and decoded by Fetch itself.
		DisableCompression: true,
	}
	sizeCap := int64(cfg.MaxFragmentSize)
	if sizeCap <= 0 {
		sizeCap = int64(5 * MiB)
	}
	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:         cfg.RequestTimeout,
		defaultTTL:      cfg.DefaultFragmentTTL,
		sizeCap:         sizeCap,
		responseHeaders: cfg.ResponseHeadersForward,
		userAgent:       defaultUserAgent,
		now:             time.Now,
	}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (Fragment, error) {
	ctx, span := tracer().Start(ctx, "stitch.fragment.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", req.URL)))
	defer span.End()

	frag, err := h.fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Fragment{}, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", frag.Status))
	return frag, nil
}

func (h *HTTPFetcher) fetch(ctx context.Context, req FetchRequest) (Fragment, error) {
	fail := func(err error) (Fragment, error) {
		timeout := errors.Is(err, context.DeadlineExceeded)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			timeout = true
		}
		return Fragment{}, &FetchError{URL: req.URL, Timeout: timeout, Err: err}
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail(fmt.Errorf("invalid url"))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fail(err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, zstd")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return fail(err)
	}
	defer body.Close()

	b, err := io.ReadAll(io.LimitReader(body, h.sizeCap+1))
	if err != nil {
		return fail(err)
	}
	if int64(len(b)) > h.sizeCap {
		return fail(fmt.Errorf("body exceeds %s", formatBytes(uint64(h.sizeCap))))
	}

	expiresAt := Expired
	if isCacheableStatus(resp.StatusCode) {
		expiresAt = expirationTime(resp.Header, h.now(), h.defaultTTL)
	}
	return Fragment{
		URL:       req.URL,
		Status:    resp.StatusCode,
		Body:      string(b),
		Header:    filterHeader(resp.Header, h.responseHeaders),
		ExpiresAt: expiresAt,
	}, nil
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// filterHeader copies the allowed headers present in h.
func filterHeader(h http.Header, allowed []string) http.Header {
	out := make(http.Header, len(allowed))
	for _, name := range allowed {
		if vs := h.Values(name); len(vs) > 0 {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), vs...)
		}
	}
	return out
}
