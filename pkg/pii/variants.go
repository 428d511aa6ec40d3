package pii

import (
	"encoding/base64"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

type variantKind string

const (
	variantOriginal   variantKind = "original"
	variantBase64     variantKind = "base64"
	variantURLDecoded variantKind = "url_decoded"
	variantNFKC       variantKind = "nfkc"
	variantStripped   variantKind = "stripped"
)

// segment maps the variant byte range [outStart, outEnd) to the original range
// [origStart, origEnd). Linear segments have equal lengths and map byte for byte.
type segment struct {
	outStart, outEnd   int
	origStart, origEnd int
	linear             bool
}

// variant is a decoded form of the scanned text plus the mapping back to it.
type variant struct {
	kind variantKind
	text string
	// whole maps every finding onto the full original text.
	whole    bool
	identity bool
	segments []segment
}

type variantBuilder struct {
	buf  strings.Builder
	segs []segment
}

// copyRun appends orig[origStart:origEnd] unchanged.
func (b *variantBuilder) copyRun(orig string, origStart, origEnd int) {
	if origStart >= origEnd {
		return
	}
	out := b.buf.Len()
	b.buf.WriteString(orig[origStart:origEnd])
	if n := len(b.segs); n > 0 {
		last := &b.segs[n-1]
		if last.linear && last.outEnd == out && last.origEnd == origStart {
			last.outEnd += origEnd - origStart
			last.origEnd = origEnd
			return
		}
	}
	b.segs = append(b.segs, segment{
		outStart: out, outEnd: out + origEnd - origStart,
		origStart: origStart, origEnd: origEnd,
		linear: true,
	})
}

// emit appends replacement text standing for orig[origStart:origEnd].
func (b *variantBuilder) emit(s string, origStart, origEnd int) {
	if s == "" {
		return
	}
	out := b.buf.Len()
	b.buf.WriteString(s)
	b.segs = append(b.segs, segment{
		outStart: out, outEnd: out + len(s),
		origStart: origStart, origEnd: origEnd,
	})
}

func (b *variantBuilder) build(kind variantKind) variant {
	return variant{kind: kind, text: b.buf.String(), segments: b.segs}
}

// buildVariants returns the original text followed by every distinct decoded form.
// Empty and whitespace-only variants are skipped.
func buildVariants(text string) []variant {
	out := []variant{{kind: variantOriginal, text: text, identity: true}}
	seen := map[string]bool{text: true}
	add := func(v variant, ok bool) {
		if !ok || seen[v.text] || strings.TrimSpace(v.text) == "" {
			return
		}
		seen[v.text] = true
		out = append(out, v)
	}

	add(base64Variant(text))
	add(urlDecodedVariant(text))
	add(nfkcVariant(text))
	add(strippedVariant(text))
	return out
}

// base64Variant decodes text as strict standard base64. It is attempted only when the
// length is a multiple of 4 and the decoded bytes are valid UTF-8.
func base64Variant(text string) (variant, bool) {
	t := strings.TrimSpace(text)
	if t == "" || len(t)%4 != 0 {
		return variant{}, false
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(t)
	if err != nil || !utf8.Valid(raw) {
		return variant{}, false
	}
	return variant{kind: variantBase64, text: string(raw), whole: true}, true
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// urlDecodedVariant decodes %XX escapes, leaving malformed escapes as literals. The
// result must be valid UTF-8.
func urlDecodedVariant(text string) (variant, bool) {
	if !strings.Contains(text, "%") {
		return variant{}, false
	}
	var b variantBuilder
	runStart := 0
	decoded := false
	for i := 0; i < len(text); {
		if text[i] == '%' && i+2 < len(text) {
			hi, ok1 := unhex(text[i+1])
			lo, ok2 := unhex(text[i+2])
			if ok1 && ok2 {
				b.copyRun(text, runStart, i)
				b.emit(string([]byte{hi<<4 | lo}), i, i+3)
				decoded = true
				i += 3
				runStart = i
				continue
			}
		}
		i++
	}
	b.copyRun(text, runStart, len(text))
	if !decoded {
		return variant{}, false
	}
	v := b.build(variantURLDecoded)
	if !utf8.ValidString(v.text) {
		return variant{}, false
	}
	return v, true
}

// nfkcVariant applies compatibility normalization, so full-width and ligature forms
// collapse to their ASCII equivalents.
func nfkcVariant(text string) (variant, bool) {
	if norm.NFKC.IsNormalString(text) {
		return variant{}, false
	}
	var b variantBuilder
	var it norm.Iter
	it.InitString(norm.NFKC, text)
	for !it.Done() {
		start := it.Pos()
		seg := it.Next()
		end := it.Pos()
		if string(seg) == text[start:end] {
			b.copyRun(text, start, end)
		} else {
			b.emit(string(seg), start, end)
		}
	}
	return b.build(variantNFKC), true
}

func keepStripped(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '@' || r == '.' || r == '_' || r == '-'
}

// strippedVariant removes everything except letters, digits and "@._-". It is used
// only when the result is longer than five runes.
func strippedVariant(text string) (variant, bool) {
	var b variantBuilder
	runStart := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !keepStripped(r) {
			b.copyRun(text, runStart, i)
			runStart = i + size
		}
		i += size
	}
	b.copyRun(text, runStart, len(text))
	v := b.build(variantStripped)
	if utf8.RuneCountInString(v.text) <= 5 {
		return variant{}, false
	}
	return v, true
}

// toOriginal maps a finding on the variant text into the original text, reporting
// false when the mapped span is empty.
func (v variant) toOriginal(f Finding, orig string) (Finding, bool) {
	switch {
	case v.identity:
		return f, f.Start >= 0 && f.Start < f.End && f.End <= len(orig)
	case v.whole:
		start, end := wholeSpan(orig)
		if start >= end {
			return Finding{}, false
		}
		f.Start, f.End = start, end
	default:
		start, ok1 := v.mapStart(f.Start)
		end, ok2 := v.mapEnd(f.End)
		if !ok1 || !ok2 || start >= end {
			return Finding{}, false
		}
		f.Start, f.End = start, end
	}
	f.Text = orig[f.Start:f.End]
	return f, true
}

func wholeSpan(orig string) (int, int) {
	start := len(orig) - len(strings.TrimLeftFunc(orig, unicode.IsSpace))
	end := len(strings.TrimRightFunc(orig, unicode.IsSpace))
	return start, end
}

func (v variant) segmentAt(o int) (segment, bool) {
	i := sort.Search(len(v.segments), func(i int) bool { return v.segments[i].outEnd > o })
	if i == len(v.segments) || v.segments[i].outStart > o {
		return segment{}, false
	}
	return v.segments[i], true
}

func (v variant) mapStart(o int) (int, bool) {
	s, ok := v.segmentAt(o)
	if !ok {
		return 0, false
	}
	if s.linear {
		return s.origStart + (o - s.outStart), true
	}
	return s.origStart, true
}

func (v variant) mapEnd(o int) (int, bool) {
	if o <= 0 {
		return 0, false
	}
	s, ok := v.segmentAt(o - 1)
	if !ok {
		return 0, false
	}
	if s.linear {
		return s.origStart + (o - s.outStart), true
	}
	return s.origEnd, true
}
