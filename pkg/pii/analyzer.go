package pii

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Analyzer finds PII in a single unit of text. Offsets in the returned findings are
// byte offsets relative to text. Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, text string, entities []EntityType) ([]Finding, error)
}

// Loader builds the analyzer backend. It may be slow; the detector runs it off the
// caller's goroutine under a load timeout.
type Loader func(ctx context.Context) (Analyzer, error)

// DisabledAnalyzer never reports findings. It stands in when no backend is available.
type DisabledAnalyzer struct{}

func (DisabledAnalyzer) Analyze(context.Context, string, []EntityType) ([]Finding, error) {
	return nil, nil
}

// ── Pattern backend ───────────────────────────────────────────

//go:embed recognizers.yaml
var defaultRecognizers []byte

type recognizerFile struct {
	Recognizers []recognizerSpec `yaml:"recognizers"`
}

type recognizerSpec struct {
	Entity    EntityType    `yaml:"entity"`
	Validator string        `yaml:"validator"`
	Patterns  []patternSpec `yaml:"patterns"`
}

type patternSpec struct {
	Name  string  `yaml:"name"`
	Regex string  `yaml:"regex"`
	Group int     `yaml:"group"`
	Score float64 `yaml:"score"`
}

type compiledPattern struct {
	name  string
	re    *regexp.Regexp
	group int
	score float64
}

type recognizer struct {
	entity   EntityType
	validate func(string) bool
	patterns []compiledPattern
}

// PatternAnalyzer matches a catalog of regular-expression recognizers with optional
// checksum validators.
type PatternAnalyzer struct {
	recognizers []recognizer
}

// LoadPatternAnalyzer is the default Loader. It compiles the embedded catalog.
func LoadPatternAnalyzer(_ context.Context) (Analyzer, error) {
	return NewPatternAnalyzer(defaultRecognizers)
}

// NewPatternAnalyzer compiles a YAML recognizer catalog.
func NewPatternAnalyzer(catalog []byte) (*PatternAnalyzer, error) {
	var file recognizerFile
	if err := yaml.Unmarshal(catalog, &file); err != nil {
		return nil, fmt.Errorf("failed to parse recognizer catalog: %w", err)
	}
	if len(file.Recognizers) == 0 {
		return nil, fmt.Errorf("recognizer catalog is empty")
	}

	a := &PatternAnalyzer{}
	for _, spec := range file.Recognizers {
		r := recognizer{entity: spec.Entity}
		if spec.Validator != "" {
			v, ok := validators[spec.Validator]
			if !ok {
				return nil, fmt.Errorf("recognizer %s: unknown validator %q", spec.Entity, spec.Validator)
			}
			r.validate = v
		}
		for _, p := range spec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("recognizer %s pattern %s: %w", spec.Entity, p.Name, err)
			}
			if p.Group > re.NumSubexp() {
				return nil, fmt.Errorf("recognizer %s pattern %s: group %d out of range", spec.Entity, p.Name, p.Group)
			}
			r.patterns = append(r.patterns, compiledPattern{name: p.Name, re: re, group: p.Group, score: p.Score})
		}
		a.recognizers = append(a.recognizers, r)
	}
	return a, nil
}

// Analyze runs every recognizer whose entity is in entities. An empty entity list
// selects all recognizers.
func (a *PatternAnalyzer) Analyze(ctx context.Context, text string, entities []EntityType) ([]Finding, error) {
	wanted := make(map[EntityType]bool, len(entities))
	for _, e := range entities {
		wanted[e] = true
	}

	var out []Finding
	for _, r := range a.recognizers {
		if len(wanted) > 0 && !wanted[r.entity] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, p := range r.patterns {
			for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
				start, end := loc[2*p.group], loc[2*p.group+1]
				if start < 0 || start >= end {
					continue
				}
				match := text[start:end]
				if r.validate != nil && !r.validate(match) {
					continue
				}
				out = append(out, Finding{
					EntityType: r.entity,
					Start:      start,
					End:        end,
					Score:      p.score,
					Text:       match,
				})
			}
		}
	}
	return out, nil
}
