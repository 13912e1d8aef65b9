// Package keys builds deterministic cache keys for tile-level engine results
// and for full LOD responses.
package keys

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const maxTextLen = 160

var punctSpace = regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)

// TileKey identifies one layer's candidates within one tile under one
// filter set, e.g. "beer:in_memory:10/552/346:filters=class=pub:f=<hex>".
func TileKey(layer, engine, tile, filters string) string {
	layerNorm := sanitizeLayer(strings.TrimSpace(layer))
	filterText := normalizeFilters(filters)
	filterSafe := truncate(sanitizeForKey(filterText))

	sum := xxhash.Sum64String(filterText)

	return fmt.Sprintf("%s:%s:%s:filters=%s:f=%016x", layerNorm, engine, tile, filterSafe, sum)
}

// Result holds everything a response depends on.
type Result struct {
	// LayerSet is the canonical layer list, each "<layer>@<engine>[<filters>]".
	LayerSet  []string
	Bucket    int
	TileZoom  int
	Tiles     []string
	BBox      string
	Highlight string
}

// ResultKey is stable under reordering of LayerSet and Tiles. The
// readable prefix is informational; identity comes from the hash over the
// full canonical text.
func ResultKey(r Result) string {
	layers := append([]string(nil), r.LayerSet...)
	sort.Strings(layers)
	tiles := append([]string(nil), r.Tiles...)
	sort.Strings(tiles)

	var b strings.Builder
	b.WriteString(strings.Join(layers, ";"))
	fmt.Fprintf(&b, "|z=%d|tz=%d|t=%s|bbox=%s|h=%s", r.Bucket, r.TileZoom, strings.Join(tiles, ","), r.BBox, r.Highlight)
	text := b.String()

	layerSafe := truncate(sanitizeLayer(strings.Join(layers, "+")))
	sum := xxhash.Sum64String(text)
	hl := "0"
	if r.Highlight != "" {
		hl = fmt.Sprintf("%08x", uint32(xxhash.Sum64String(r.Highlight)))
	}
	return fmt.Sprintf("lod:%d:%s:tiles=%d:h=%s:f=%016x", r.Bucket, layerSafe, len(tiles), hl, sum)
}

func truncate(s string) string {
	if len(s) > maxTextLen {
		return s[:maxTextLen]
	}
	return s
}

func normalizeFilters(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	// Remove spaces around these punctuation tokens.
	return punctSpace.ReplaceAllString(s, "$1")
}

func sanitizeForKey(s string) string {
	return sanitize(s, true)
}

func sanitizeLayer(s string) string {
	return sanitize(s, false)
}

// sanitize maps whitespace to '_' and anything outside [A-Za-z0-9:_-]
// (plus '=' when allowEq) to '-', collapsing repeats.
func sanitize(s string, allowEq bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || (allowEq && r == '='):
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
