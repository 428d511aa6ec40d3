// Package pii detects and redacts personally identifiable information in document text
// and metadata.
//
// Detection runs over several decoded variants of the input (base64, URL-encoded, NFKC,
// separator-stripped) to catch simple obfuscation, splits large inputs into overlapping
// chunks under a memory budget, and reports every finding in the byte coordinates of the
// original text.
package pii

// EntityType tags the kind of PII a finding represents. Tags produced by an Analyzer
// outside the known set pass through unchanged.
type EntityType string

const (
	EntityEmail      EntityType = "EMAIL_ADDRESS"
	EntityPhone      EntityType = "PHONE_NUMBER"
	EntityCreditCard EntityType = "CREDIT_CARD"
	EntitySSN        EntityType = "US_SSN"
	EntityPerson     EntityType = "PERSON"
	EntityPassport   EntityType = "US_PASSPORT"
	EntityIPAddress  EntityType = "IP_ADDRESS"
)

// SupportedEntities is the entity set requested from the analyzer.
var SupportedEntities = []EntityType{
	EntityEmail,
	EntityPhone,
	EntityCreditCard,
	EntitySSN,
	EntityPerson,
	EntityPassport,
	EntityIPAddress,
}

// Finding is one detected PII occurrence. Start and End are byte offsets into the
// scanned text with 0 <= Start < End <= len(text) and text[Start:End] == Text.
type Finding struct {
	EntityType EntityType `json:"entity_type"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Score      float64    `json:"score"`
	Text       string     `json:"text"`
}

type findingKey struct {
	entity EntityType
	text   string
}

// dedupe collapses findings sharing (entity type, text), keeping the higher score.
// Ties keep the first occurrence; output order follows first appearance.
func dedupe(findings []Finding) []Finding {
	if len(findings) == 0 {
		return nil
	}
	index := make(map[findingKey]int, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		k := findingKey{f.EntityType, f.Text}
		if i, ok := index[k]; ok {
			if f.Score > out[i].Score {
				out[i] = f
			}
			continue
		}
		index[k] = len(out)
		out = append(out, f)
	}
	return out
}

// overlapsDifferent reports whether f overlaps an accepted finding of the same entity
// type with different text. Decoded variants that re-find an entity the original text
// already exposed tend to widen it across neighbouring words.
func overlapsDifferent(accepted []Finding, f Finding) bool {
	for _, a := range accepted {
		if a.EntityType == f.EntityType && a.Start < f.End && f.Start < a.End && a.Text != f.Text {
			return true
		}
	}
	return false
}
