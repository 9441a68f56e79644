package stitch

import (
	"net/http"
	"time"
)

// Fragment is the resolved content of one include source.
type Fragment struct {
	// URL is empty for fragments built from a directive's fallback content.
	URL    string      `cbor:"1,keyasint"`
	Status int         `cbor:"2,keyasint"`
	Body   string      `cbor:"3,keyasint"`
	Header http.Header `cbor:"4,keyasint,omitempty"`

	// ExpiresAt is the absolute instant the fragment stops being fresh.
	// Expired (the unix epoch) marks fragments that must never be cached.
	ExpiresAt time.Time `cbor:"5,keyasint"`
}

// Expired is the expiration instant of fragments that are not cacheable.
var Expired = time.Unix(0, 0).UTC()

// fallbackFragment builds the synthetic fragment for literal fallback content.
func fallbackFragment(content string) Fragment {
	return Fragment{
		Status:    http.StatusOK,
		Body:      content,
		Header:    http.Header{},
		ExpiresAt: Expired,
	}
}

// Literal reports whether the fragment was built from fallback content
// rather than fetched.
func (f Fragment) Literal() bool { return f.URL == "" }

// FreshAt reports whether the fragment is still fresh at now.
func (f Fragment) FreshAt(now time.Time) bool { return f.ExpiresAt.After(now) }

// TTL returns the remaining lifetime at now, or zero once expired.
func (f Fragment) TTL(now time.Time) time.Duration {
	d := f.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Status codes a fragment must carry to be used as a resolution result.
var successStatuses = map[int]struct{}{
	http.StatusOK:                   {},
	http.StatusNonAuthoritativeInfo: {},
	http.StatusNoContent:            {},
	http.StatusPartialContent:       {},
}

// Status codes of responses that may be cached (RFC 9110 section 15.1).
var cacheableStatuses = map[int]struct{}{
	http.StatusOK:                   {},
	http.StatusNonAuthoritativeInfo: {},
	http.StatusNoContent:            {},
	http.StatusPartialContent:       {},
	http.StatusMultipleChoices:      {},
	http.StatusNotFound:             {},
	http.StatusMethodNotAllowed:     {},
	http.StatusGone:                 {},
	http.StatusRequestURITooLong:    {},
	http.StatusNotImplemented:       {},
}

func isSuccessStatus(code int) bool {
	_, ok := successStatuses[code]
	return ok
}

func isCacheableStatus(code int) bool {
	_, ok := cacheableStatuses[code]
	return ok
}

// FetchRequest is the signature of one outbound fragment fetch. It is kept
// with cached fragments so the auto-refresh process can repeat the fetch.
type FetchRequest struct {
	URL     string        `cbor:"1,keyasint"`
	Header  http.Header   `cbor:"2,keyasint,omitempty"`
	Timeout time.Duration `cbor:"3,keyasint"`
}
