package pii

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// GenericPlaceholder replaces entity types without a dedicated token.
const GenericPlaceholder = "[PII_REDACTED]"

var placeholders = map[EntityType]string{
	EntityEmail:      "[EMAIL_REDACTED]",
	EntityPhone:      "[PHONE_REDACTED]",
	EntityCreditCard: "[CREDIT_CARD_REDACTED]",
	EntitySSN:        "[SSN_REDACTED]",
	EntityPerson:     "[NAME_REDACTED]",
	EntityPassport:   "[PASSPORT_REDACTED]",
	EntityIPAddress:  "[IP_REDACTED]",
}

// Placeholder returns the redaction token for an entity type.
func Placeholder(e EntityType) string {
	if p, ok := placeholders[e]; ok {
		return p
	}
	return GenericPlaceholder
}

// MaskPII detects PII in text. With masking enabled it returns the redacted text;
// otherwise it returns text unchanged. Findings are returned either way.
func (d *Detector) MaskPII(ctx context.Context, text string) (string, []Finding) {
	findings := d.DetectPII(ctx, text)
	if len(findings) == 0 {
		return text, nil
	}
	if !d.masking {
		return text, findings
	}
	return Redact(text, findings), findings
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// onWordBoundary reports whether text[start:end] does not continue a word on
// either side, so "Jane" never matches inside "Janet".
func onWordBoundary(text string, start, end int) bool {
	if start > 0 {
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		first, _ := utf8.DecodeRuneInString(text[start:end])
		if isWordRune(before) && isWordRune(first) {
			return false
		}
	}
	if end < len(text) {
		last, _ := utf8.DecodeLastRuneInString(text[start:end])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(last) && isWordRune(after) {
			return false
		}
	}
	return true
}

type redaction struct {
	start, end int
	entity     EntityType
}

// Redact replaces every finding span, and every other occurrence of a finding's text,
// with its placeholder. Overlapping spans collapse into one replacement labeled by the
// span that starts first (the longest, on equal starts).
func Redact(text string, findings []Finding) string {
	var spans []redaction
	seen := map[string]bool{}
	for _, f := range findings {
		if f.Start >= 0 && f.Start < f.End && f.End <= len(text) {
			spans = append(spans, redaction{f.Start, f.End, f.EntityType})
		}
		if f.Text == "" || seen[string(f.EntityType)+"\x00"+f.Text] {
			continue
		}
		seen[string(f.EntityType)+"\x00"+f.Text] = true
		for off := 0; off < len(text); {
			i := strings.Index(text[off:], f.Text)
			if i < 0 {
				break
			}
			start := off + i
			if onWordBoundary(text, start, start+len(f.Text)) {
				spans = append(spans, redaction{start, start + len(f.Text), f.EntityType})
			}
			off = start + len(f.Text)
		}
	}
	if len(spans) == 0 {
		return text
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	merged := []redaction{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start < last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	out := text
	for i := len(merged) - 1; i >= 0; i-- {
		s := merged[i]
		out = out[:s.start] + Placeholder(s.entity) + out[s.end:]
	}
	return out
}

// entitySummary renders "TYPE: n" pairs in first-seen order.
func entitySummary(findings []Finding) string {
	var order []EntityType
	counts := map[EntityType]int{}
	for _, f := range findings {
		if counts[f.EntityType] == 0 {
			order = append(order, f.EntityType)
		}
		counts[f.EntityType]++
	}
	parts := make([]string, 0, len(order))
	for _, e := range order {
		parts = append(parts, fmt.Sprintf("%s: %d", e, counts[e]))
	}
	return strings.Join(parts, ", ")
}

// PIIWarning summarizes findings per entity type for user-facing warnings.
func (d *Detector) PIIWarning(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	action := "logged"
	if d.masking {
		action = "masked"
	}
	return fmt.Sprintf("⚠️ PII detected and %s: %s", action, entitySummary(findings))
}

const logSnippetRunes = 200

// LogPIIDetection logs a warning with a redacted snippet of content. The snippet is
// redacted from findings regardless of the masking switch.
func (d *Detector) LogPIIDetection(ctx context.Context, content string, findings []Finding, where string) {
	if len(findings) == 0 {
		return
	}
	snippet := Redact(content, findings)
	if utf8.RuneCountInString(snippet) > logSnippetRunes {
		snippet = string([]rune(snippet)[:logSnippetRunes]) + "..."
	}
	d.logger.WarnContext(ctx, "PII detected",
		"context", where,
		"entities", entitySummary(findings),
		"snippet", snippet,
	)
}
