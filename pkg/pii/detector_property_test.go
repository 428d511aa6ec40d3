//go:build property
// +build property

package pii_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chata/mcp-bedrock-kb/pkg/pii"
)

var fragments = []string{
	"hello", " ", "\n", "alice@example.com", "555-123-4567", "4111 1111 1111 1111",
	"219-09-9998", "Dr. Jane Doe", "10.0.0.1", "%40", "ｅｍａｉｌ", "naïve", "日本語", "-", ".",
	"bob%40example.org", "t e s t @ x.io", "passport X12345678", "=", "+",
}

func genText() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(fragments)-1)).Map(func(idx []int) string {
		var b strings.Builder
		for _, i := range idx {
			b.WriteString(fragments[i])
		}
		return b.String()
	})
}

func newDetector(t *testing.T, opts ...pii.Option) *pii.Detector {
	a, err := pii.LoadPatternAnalyzer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	base := []pii.Option{
		pii.WithAnalyzer(a),
		pii.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		pii.WithMasking(true),
		pii.WithMemoryBudget(256),
	}
	return pii.NewDetector(append(base, opts...)...)
}

// TestFindingOffsetsAreValid verifies every finding addresses the original text.
// Property: 0 <= start < end <= len(text) && text[start:end] == finding.text
func TestFindingOffsetsAreValid(t *testing.T) {
	d := newDetector(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("finding offsets index the scanned text", prop.ForAll(
		func(text string) bool {
			for _, f := range d.DetectPII(context.Background(), text) {
				if f.Start < 0 || f.Start >= f.End || f.End > len(text) {
					return false
				}
				if text[f.Start:f.End] != f.Text {
					return false
				}
			}
			return true
		},
		genText(),
	))

	properties.TestingRun(t)
}

// TestRedactionIsIdempotent verifies masking masked output changes nothing.
// Property: mask(mask(t)) == mask(t) when the second pass finds nothing
func TestRedactionIsIdempotent(t *testing.T) {
	d := newDetector(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("second masking pass is a no-op", prop.ForAll(
		func(text string) bool {
			once, _ := d.MaskPII(context.Background(), text)
			twice, findings := d.MaskPII(context.Background(), once)
			if len(findings) > 0 {
				return true
			}
			return once == twice
		},
		genText(),
	))

	properties.TestingRun(t)
}

// TestFindingsAreUnique verifies deduplication by entity type and text.
// Property: no two findings share (entity_type, text)
func TestFindingsAreUnique(t *testing.T) {
	d := newDetector(t)
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("findings are unique per entity and text", prop.ForAll(
		func(text string) bool {
			seen := map[string]bool{}
			for _, f := range d.DetectPII(context.Background(), text) {
				k := string(f.EntityType) + "\x00" + f.Text
				if seen[k] {
					return false
				}
				seen[k] = true
			}
			return true
		},
		genText(),
	))

	properties.TestingRun(t)
}

type markerAnalyzer struct{ marker string }

func (m markerAnalyzer) Analyze(_ context.Context, text string, _ []pii.EntityType) ([]pii.Finding, error) {
	var out []pii.Finding
	for off := 0; ; {
		i := strings.Index(text[off:], m.marker)
		if i < 0 {
			return out, nil
		}
		start := off + i
		out = append(out, pii.Finding{EntityType: "MARKER", Start: start, End: start + len(m.marker), Score: 1, Text: m.marker})
		off = start + len(m.marker)
	}
}

// TestChunkingFindsPlantedMarkerOnce verifies chunk overlap neither drops nor
// duplicates a marker shorter than the overlap.
// Property: exactly one finding at the planted offset for any chunk size and position
func TestChunkingFindsPlantedMarkerOnce(t *testing.T) {
	const marker = "ZQ-MARKER-QZ"
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("planted marker found exactly once", prop.ForAll(
		func(chunkSize, overlap, pos int, spaced bool) bool {
			filler := "abcdefghij"
			if spaced {
				filler = "abcd efgh "
			}
			body := strings.Repeat(filler, 400)
			if pos > len(body) {
				pos = len(body)
			}
			text := body[:pos] + marker + body[pos:]

			d := pii.NewDetector(
				pii.WithAnalyzer(markerAnalyzer{marker: marker}),
				pii.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
				pii.WithMemoryBudget(256),
				pii.WithChunking(chunkSize, overlap),
			)
			findings := d.DetectPII(context.Background(), text)
			return len(findings) == 1 && findings[0].Start == pos && findings[0].End == pos+len(marker)
		},
		gen.IntRange(64, 1500),
		gen.IntRange(len(marker), 32),
		gen.IntRange(0, 4000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
