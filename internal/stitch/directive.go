package stitch

import (
	"encoding/hex"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/net/html"
)

// DirectiveTag is the element name recognized as an include directive.
const DirectiveTag = "stitch-include"

// Recognized directive attributes.
const (
	AttrID                 = "id"
	AttrSource             = "src"
	AttrSourceTimeout      = "src-timeout"
	AttrFallbackSource     = "fallback-src"
	AttrFallbackSrcTimeout = "fallback-src-timeout"
	AttrPrimary            = "primary"
)

// Directive is one include tag occurrence in a document.
type Directive struct {
	// Raw is the complete tag text, doc[Start:End].
	Raw   string
	Start int
	End   int

	// Attrs holds every attribute of the opening tag, unknown ones included.
	Attrs map[string]string

	// Fallback is the markup between the opening and closing tag. It is
	// empty for the self-closing form.
	Fallback string
}

// Src returns the primary source URL, if any.
func (d Directive) Src() string { return strings.TrimSpace(d.Attrs[AttrSource]) }

// FallbackSrc returns the secondary source URL, if any.
func (d Directive) FallbackSrc() string { return strings.TrimSpace(d.Attrs[AttrFallbackSource]) }

// Primary reports whether the directive controls page status and headers.
// The attribute counts when present with an empty value or the value "primary".
func (d Directive) Primary() bool {
	v, ok := d.Attrs[AttrPrimary]
	if !ok {
		return false
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "" || v == AttrPrimary
}

var nonIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ID returns the sanitized id attribute, or a short digest of the raw tag
// when the attribute is absent or sanitizes to nothing.
func (d Directive) ID() string {
	if id := nonIDChars.ReplaceAllString(d.Attrs[AttrID], ""); id != "" {
		return id
	}
	sum := blake3.Sum256([]byte(d.Raw))
	return hex.EncodeToString(sum[:])[:7]
}

var timeoutPattern = regexp.MustCompile(`^(\d+)(ms|s)?$`)

// parseTimeout parses a per-source timeout attribute. Plain numbers are
// milliseconds. ok is false for absent or malformed values.
func parseTimeout(v string) (d time.Duration, present bool, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false, false
	}
	m := timeoutPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, true, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, true, false
	}
	if m[2] == "s" {
		return time.Duration(n) * time.Second, true, true
	}
	return time.Duration(n) * time.Millisecond, true, true
}

// Scan returns the directives of doc in document order. The sequence is
// lazy and can be ranged over any number of times. Malformed or unterminated
// directives are not yielded and stay in the document as plain text.
func Scan(doc string) iter.Seq[Directive] {
	return func(yield func(Directive) bool) {
		scan(doc, yield)
	}
}

// scan tokenizes doc once. Offsets are tracked by summing the raw length of
// every token, so they index the original document exactly.
//
// An unquoted value swallows a trailing slash as HTML requires:
// <stitch-include src=/a/> opens a container instead of closing itself.
func scan(doc string, yield func(Directive) bool) {
	z := html.NewTokenizer(strings.NewReader(doc))
	var (
		offset int
		open   *Directive // container waiting for its closing tag
		nested []Directive
	)
	for {
		tt := z.Next()
		start := offset
		offset += len(z.Raw())

		switch tt {
		case html.ErrorToken:
			// An unterminated container stays text; the self-closing
			// directives after it are still real.
			for _, d := range nested {
				if !yield(d) {
					return
				}
			}
			return
		case html.SelfClosingTagToken, html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != DirectiveTag || (tt == html.StartTagToken && open != nil) {
				continue
			}
			d := Directive{Raw: doc[start:offset], Start: start, End: offset, Attrs: readAttrs(z, hasAttr)}
			switch {
			case tt == html.StartTagToken:
				open = &d
			case open != nil:
				nested = append(nested, d)
			default:
				if !yield(d) {
					return
				}
			}
		case html.EndTagToken:
			if open == nil {
				continue
			}
			if name, _ := z.TagName(); string(name) != DirectiveTag {
				continue
			}
			d := *open
			d.Fallback = doc[d.End:start]
			d.Raw = doc[d.Start:offset]
			d.End = offset
			open, nested = nil, nil
			if !yield(d) {
				return
			}
		}
	}
}

func readAttrs(z *html.Tokenizer, more bool) map[string]string {
	attrs := make(map[string]string)
	for more {
		var k, v []byte
		k, v, more = z.TagAttr()
		key := string(k)
		if _, dup := attrs[key]; dup {
			continue
		}
		attrs[key] = string(v)
	}
	return attrs
}
