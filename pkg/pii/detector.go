package pii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chata/mcp-bedrock-kb/pkg/alerting"
	"github.com/chata/mcp-bedrock-kb/pkg/observability"
)

// EnvMaskPII switches redaction on or off. Detection always runs.
const EnvMaskPII = "BEDROCK_KB_MASK_PII"

const (
	DefaultLoadTimeout = 120 * time.Second
	DefaultInitWait    = 30 * time.Second
)

// ErrLoadTimeout is reported when the analyzer backend does not load in time.
var ErrLoadTimeout = errors.New("pii analyzer load timed out")

// State is the detector's readiness.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Detector finds and redacts PII. It is safe for concurrent use; one instance is meant
// to be shared by every caller in the process.
type Detector struct {
	logger    *slog.Logger
	alerts    alerting.Publisher
	telemetry *observability.Provider
	loader    Loader
	masking   bool
	deferred  bool

	loadTimeout time.Duration
	initWait    time.Duration
	budgetMB    int
	chunkSize   int
	overlap     int
	sampleRSS   MemorySampler

	mu       sync.Mutex
	state    State
	analyzer Analyzer
	enabled  bool
	loaded   chan struct{}
}

// Option configures a Detector.
type Option func(*Detector)

// WithAnalyzer installs a ready analyzer and skips background loading.
func WithAnalyzer(a Analyzer) Option {
	return func(d *Detector) {
		d.analyzer = a
		d.state = StateReady
		d.enabled = a != nil
	}
}

// WithLoader replaces the default pattern-catalog loader.
func WithLoader(l Loader) Option {
	return func(d *Detector) { d.loader = l }
}

// WithDeferredLoad postpones loading until the first detection call.
func WithDeferredLoad() Option {
	return func(d *Detector) { d.deferred = true }
}

// WithMasking overrides the BEDROCK_KB_MASK_PII setting.
func WithMasking(enabled bool) Option {
	return func(d *Detector) { d.masking = enabled }
}

// WithAlerts sets where detection failures and memory alerts are published.
func WithAlerts(p alerting.Publisher) Option {
	return func(d *Detector) { d.alerts = p }
}

// WithLogger sets the detector logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l.With("component", "pii") }
}

// WithTelemetry records detection spans and finding counts.
func WithTelemetry(p *observability.Provider) Option {
	return func(d *Detector) { d.telemetry = p }
}

// WithLoadTimeout bounds the background load.
func WithLoadTimeout(t time.Duration) Option {
	return func(d *Detector) { d.loadTimeout = t }
}

// WithInitWait bounds how long a caller waits for loading to finish.
func WithInitWait(t time.Duration) Option {
	return func(d *Detector) { d.initWait = t }
}

// WithMemoryBudget sets the budget in MB instead of deriving it from RAM.
func WithMemoryBudget(mb int) Option {
	return func(d *Detector) { d.budgetMB = max(mb, budgetFloorMB) }
}

// WithChunking fixes the chunk size and overlap in bytes. Texts longer than size are
// always chunked.
func WithChunking(size, overlap int) Option {
	return func(d *Detector) {
		d.chunkSize = size
		d.overlap = overlap
	}
}

// WithMemorySampler replaces the process RSS sampler.
func WithMemorySampler(s MemorySampler) Option {
	return func(d *Detector) { d.sampleRSS = s }
}

// MaskingFromEnv reads BEDROCK_KB_MASK_PII. Unset or empty means enabled; "true", "1",
// "yes" and "on" enable it, anything else disables it.
func MaskingFromEnv(getenv func(string) string) bool {
	if getenv == nil {
		getenv = os.Getenv
	}
	v := strings.TrimSpace(getenv(EnvMaskPII))
	if v == "" {
		return true
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// NewDetector creates a detector. Unless WithAnalyzer or WithDeferredLoad is given,
// the analyzer begins loading in the background immediately.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		logger:      slog.Default().With("component", "pii"),
		loader:      LoadPatternAnalyzer,
		masking:     MaskingFromEnv(nil),
		loadTimeout: DefaultLoadTimeout,
		initWait:    DefaultInitWait,
		overlap:     defaultChunkOverlap,
		sampleRSS:   ProcessRSS,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.budgetMB == 0 {
		d.budgetMB = MemoryBudgetMB(nil, nil)
	}

	if d.state == StateUninitialized && !d.deferred {
		d.mu.Lock()
		d.startLoadLocked()
		d.mu.Unlock()
	}
	return d
}

// MaskingEnabled reports whether MaskPII redacts.
func (d *Detector) MaskingEnabled() bool { return d.masking }

// MemoryBudgetMB reports the budget used for chunking and growth checks.
func (d *Detector) MemoryBudgetMB() int { return d.budgetMB }

// State returns the readiness state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsReady reports whether detection is enabled with a loaded analyzer. It never blocks
// on loading.
func (d *Detector) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readyLocked()
}

func (d *Detector) readyLocked() bool {
	return d.enabled && d.state == StateReady && d.analyzer != nil
}

func (d *Detector) startLoadLocked() {
	if d.state != StateUninitialized {
		return
	}
	d.state = StateLoading
	d.loaded = make(chan struct{})
	go d.load(d.loaded)
}

type loadResult struct {
	analyzer Analyzer
	err      error
}

func (d *Detector) load(done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), d.loadTimeout)
	defer cancel()

	results := make(chan loadResult, 1)
	go func() {
		a, err := d.loader(ctx)
		results <- loadResult{a, err}
	}()

	var res loadResult
	select {
	case res = <-results:
		if res.err == nil && res.analyzer == nil {
			res.err = errors.New("loader returned no analyzer")
		}
	case <-ctx.Done():
		res.err = fmt.Errorf("%w after %s", ErrLoadTimeout, d.loadTimeout)
	}

	d.mu.Lock()
	if res.err != nil {
		d.state = StateFailed
		d.enabled = false
		d.analyzer = DisabledAnalyzer{}
	} else {
		d.state = StateReady
		d.enabled = true
		d.analyzer = res.analyzer
	}
	d.mu.Unlock()

	if res.err != nil {
		d.logger.Error("pii analyzer failed to load, detection disabled", "error", res.err)
		d.publish(alerting.PIIDetectionFailure(res.err.Error(), "pii_detector"))
		return
	}
	d.logger.Info("pii analyzer loaded")
}

// EnsureInitialized starts loading if needed and waits up to the init wait for it to
// finish. It reports readiness.
func (d *Detector) EnsureInitialized(ctx context.Context) bool {
	d.mu.Lock()
	if d.readyLocked() {
		d.mu.Unlock()
		return true
	}
	if d.state == StateFailed {
		d.mu.Unlock()
		return false
	}
	d.startLoadLocked()
	done := d.loaded
	d.mu.Unlock()

	if done != nil {
		timer := time.NewTimer(d.initWait)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			d.logger.WarnContext(ctx, "timed out waiting for pii analyzer", "wait", d.initWait)
		case <-ctx.Done():
		}
	}
	return d.IsReady()
}

func (d *Detector) currentAnalyzer() Analyzer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.analyzer
}

func (d *Detector) publish(a *alerting.Alert) {
	if d.alerts == nil {
		return
	}
	d.telemetry.RecordAlert(context.Background(), string(a.FailureMode), a.Level.String())
	d.alerts.Publish(a)
}

// DetectPII returns deduplicated findings in original-text byte offsets. It returns no
// findings when the analyzer is unavailable and never fails the caller.
func (d *Detector) DetectPII(ctx context.Context, text string) []Finding {
	if text == "" {
		return nil
	}
	if !d.IsReady() && !d.EnsureInitialized(ctx) {
		return nil
	}
	analyzer := d.currentAnalyzer()

	variants := buildVariants(text)
	ctx, finish := d.telemetry.TrackOperation(ctx, "pii.detect", observability.DetectionAttrs(len(text), len(variants))...)

	var all []Finding
	for _, v := range variants {
		for _, f := range d.scanVariant(ctx, analyzer, v) {
			mapped, ok := v.toOriginal(f, text)
			if !ok || (!v.identity && overlapsDifferent(all, mapped)) {
				continue
			}
			all = append(all, mapped)
		}
	}
	findings := dedupe(all)
	finish(nil)

	counts := map[EntityType]int{}
	for _, f := range findings {
		counts[f.EntityType]++
	}
	for e, n := range counts {
		d.telemetry.RecordFindings(ctx, string(e), n)
	}
	return findings
}

// scanVariant analyzes one variant, chunking it when large. Returned offsets are in
// the variant's coordinates.
func (d *Detector) scanVariant(ctx context.Context, analyzer Analyzer, v variant) []Finding {
	size := d.chunkSize
	if size <= 0 {
		size = chunkSizeFor(len(v.text), d.budgetMB)
	}
	chunks := splitChunks(v.text, size, d.overlap)

	var baseline uint64
	sampling := len(chunks) > 1 && d.sampleRSS != nil
	if sampling {
		rss, err := d.sampleRSS()
		if err != nil {
			sampling = false
		}
		baseline = rss
	}
	budgetBytes := uint64(d.budgetMB) * 1024 * 1024

	var out []Finding
	prevFrom := 0
	for i, c := range chunks {
		if ctx.Err() != nil {
			break
		}
		if sampling && i > 0 {
			if rss, err := d.sampleRSS(); err == nil && rss > baseline && rss-baseline > budgetBytes {
				usedMB := int64(rss / (1024 * 1024))
				d.logger.ErrorContext(ctx, "memory budget exceeded during pii detection, skipping remaining chunks",
					"variant", v.kind, "chunk", i, "chunks", len(chunks), "rss_mb", usedMB, "budget_mb", d.budgetMB)
				d.publish(alerting.MemoryExhaustion(usedMB, "pii_detector"))
				break
			}
		}

		chunk := v.text[c.start:c.end]
		results, err := analyzer.Analyze(ctx, chunk, SupportedEntities)
		if err != nil {
			d.logger.ErrorContext(ctx, "pii analysis failed for chunk",
				"variant", v.kind, "chunk_start", c.start, "chunk_end", c.end, "error", err)
			d.publish(alerting.PIIDetectionFailure(err.Error(), "pii_detector"))
			continue
		}
		// Results starting inside the trailing overlap are rescanned by the next chunk
		// with more right-hand context.
		rescanFrom := len(v.text)
		if i+1 < len(chunks) && chunks[i+1].start < c.end {
			rescanFrom = chunks[i+1].start
		}
		from := len(out)
		for _, r := range results {
			if r.Start < 0 || r.Start >= r.End || r.End > len(chunk) {
				continue
			}
			r.Start += c.start
			r.End += c.start
			if r.Start >= rescanFrom {
				continue
			}
			r.Text = v.text[r.Start:r.End]
			out = mergeAcrossChunk(out, prevFrom, from, r)
		}
		prevFrom = from
	}
	return out
}

// mergeAcrossChunk appends r unless it overlaps a same-entity finding from the
// previous chunk (out[prevFrom:from]); of two such findings the longer one is kept.
func mergeAcrossChunk(out []Finding, prevFrom, from int, r Finding) []Finding {
	for j := prevFrom; j < from && j < len(out); j++ {
		p := out[j]
		if p.EntityType != r.EntityType || r.Start >= p.End || p.Start >= r.End {
			continue
		}
		if r.End-r.Start > p.End-p.Start {
			out[j] = r
		}
		return out
	}
	return append(out, r)
}
