package pii

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	maxMetadataKeyLen   = 100
	fallbackMetadataKey = "sanitized_key"
)

// SanitizeMetadataKey replaces every byte outside [A-Za-z0-9_.-] with '_', truncates to
// 100 bytes and falls back to "sanitized_key" for an empty key.
func SanitizeMetadataKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > maxMetadataKeyLen {
		s = s[:maxMetadataKeyLen]
	}
	if s == "" {
		return fallbackMetadataKey
	}
	return s
}

// uniqueKey suffixes _2, _3, ... until key is unused, staying within the length cap.
func uniqueKey(key string, used map[string]bool) string {
	if !used[key] {
		return key
	}
	for n := 2; ; n++ {
		suffix := fmt.Sprintf("_%d", n)
		base := key
		if len(base)+len(suffix) > maxMetadataKeyLen {
			base = base[:maxMetadataKeyLen-len(suffix)]
		}
		if candidate := base + suffix; !used[candidate] {
			return candidate
		}
	}
}

// ProcessMetadataSafely sanitizes keys and masks PII in keys and string values. Other
// value types pass through. Keys are processed in sorted order so collisions between
// sanitized keys resolve deterministically. Warnings describe every change.
func (d *Detector) ProcessMetadataSafely(ctx context.Context, metadata map[string]any) (map[string]any, []string) {
	if len(metadata) == 0 {
		return metadata, nil
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []string
	out := make(map[string]any, len(metadata))
	used := make(map[string]bool, len(metadata))
	for _, key := range keys {
		// The raw key is scanned first: sanitizing rewrites '@' and would hide emails.
		source, keyFindings := d.MaskPII(ctx, key)
		if len(keyFindings) > 0 {
			warnings = append(warnings, "PII detected in metadata key: "+d.PIIWarning(keyFindings))
		}
		safeKey := SanitizeMetadataKey(source)
		if safeKey != source {
			warnings = append(warnings, fmt.Sprintf("Metadata key sanitized: '%s' -> '%s'", source, safeKey))
		}
		if len(keyFindings) == 0 {
			if maskedKey, f := d.MaskPII(ctx, safeKey); len(f) > 0 {
				warnings = append(warnings, "PII detected in metadata key: "+d.PIIWarning(f))
				safeKey = SanitizeMetadataKey(maskedKey)
			}
		}
		safeKey = uniqueKey(safeKey, used)
		used[safeKey] = true

		value := metadata[key]
		s, ok := value.(string)
		if !ok {
			out[safeKey] = value
			continue
		}
		masked, findings := d.MaskPII(ctx, s)
		out[safeKey] = masked
		if len(findings) > 0 {
			warnings = append(warnings, fmt.Sprintf("Metadata field '%s': %s", safeKey, d.PIIWarning(findings)))
		}
	}
	return out, warnings
}
