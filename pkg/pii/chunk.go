package pii

import (
	"unicode/utf8"
)

const (
	defaultChunkOverlap = 100
	minChunkSize        = 10_000
	// whitespaceLookahead bounds how far past the target a chunk may grow to end on
	// whitespace.
	whitespaceLookahead = 200
)

type span struct {
	start, end int
}

// chunkSizeFor derives the chunk size for a text of n bytes under budgetMB. It returns
// 0 when the text should be analyzed as a single unit.
func chunkSizeFor(n, budgetMB int) int {
	maxChars := budgetMB * 1024 * 1024 / 8
	if n < maxChars/4 {
		return 0
	}
	size := n / 10
	if size < minChunkSize {
		size = minChunkSize
	}
	if size > maxChars {
		size = maxChars
	}
	return size
}

func isSpaceByte(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// alignRune moves i back to the start of the rune containing it.
func alignRune(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// splitChunks cuts text into spans of about chunkSize bytes where consecutive spans
// overlap by overlap bytes. A cut moves forward to the next whitespace when one lies
// within whitespaceLookahead bytes, and never splits a UTF-8 sequence.
func splitChunks(text string, chunkSize, overlap int) []span {
	n := len(text)
	if chunkSize <= 0 || n <= chunkSize {
		return []span{{0, n}}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap > chunkSize/2 {
		overlap = chunkSize / 2
	}

	var out []span
	start := 0
	for start < n {
		end := start + chunkSize
		if end >= n {
			end = n
		} else {
			limit := start + chunkSize + whitespaceLookahead
			if limit > n {
				limit = n
			}
			for ws := end; ws < limit; ws++ {
				if isSpaceByte(text[ws]) {
					end = ws
					break
				}
			}
			end = alignRune(text, end)
			if end <= start {
				end = start + chunkSize
			}
		}
		out = append(out, span{start, end})
		if end >= n {
			break
		}

		next := alignRune(text, end-overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
