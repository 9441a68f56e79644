package stitch

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// freshnessLifetime derives how long a response with headers h stays fresh,
// measured from now. ok is false when h carries no freshness information at
// all. Precedence: no-store/no-cache, s-maxage, max-age (less Age), Expires
// (relative to Date when present).
func freshnessLifetime(h http.Header, now time.Time) (lifetime time.Duration, ok bool) {
	var sMaxAge, maxAge = -1, -1
	for _, line := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(line, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "no-store", "no-cache":
				return 0, true
			case "s-maxage":
				if n, err := strconv.Atoi(strings.Trim(value, `" `)); err == nil && n >= 0 {
					sMaxAge = n
				}
			case "max-age":
				if n, err := strconv.Atoi(strings.Trim(value, `" `)); err == nil && n >= 0 {
					maxAge = n
				}
			}
		}
	}

	if sMaxAge >= 0 {
		return time.Duration(sMaxAge) * time.Second, true
	}
	if maxAge >= 0 {
		life := time.Duration(maxAge) * time.Second
		if age := strings.TrimSpace(h.Get("Age")); age != "" {
			n, err := strconv.Atoi(age)
			if err == nil {
				if n < 0 {
					n = -n
				}
				life -= time.Duration(n) * time.Second
			}
		}
		if life < 0 {
			life = 0
		}
		return life, true
	}

	expires := strings.TrimSpace(h.Get("Expires"))
	if expires == "" {
		return 0, false
	}
	if expires == "0" {
		return 0, true
	}
	exp, err := http.ParseTime(expires)
	if err != nil {
		// An invalid Expires value means already expired (RFC 9111 section 5.3).
		return 0, true
	}
	ref := now
	if date := strings.TrimSpace(h.Get("Date")); date != "" {
		if d, err := http.ParseTime(date); err == nil {
			ref = d
		}
	}
	life := exp.Sub(ref)
	if life < 0 {
		life = 0
	}
	return life, true
}

// expirationTime computes the absolute expiration of a fetched fragment.
// Responses without freshness information live for defaultTTL.
func expirationTime(h http.Header, now time.Time, defaultTTL time.Duration) time.Time {
	life, ok := freshnessLifetime(h, now)
	if !ok {
		life = defaultTTL
	}
	if life <= 0 {
		return Expired
	}
	return now.Add(life)
}
