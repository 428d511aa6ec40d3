package gdpr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chata/mcp-bedrock-kb/pkg/alerting"
	"github.com/chata/mcp-bedrock-kb/pkg/observability"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultSyncTimeout   = 600 * time.Second
	DefaultVerifyResults = 5
)

// Manager owns the in-memory registry of deletion requests and executes them.
// Registry reads and status transitions are serialized by one lock; phases run
// outside it.
type Manager struct {
	store     ObjectStore
	kbs       KnowledgeBases
	detector  Detector
	logger    *slog.Logger
	audit     *auditLog
	alerts    alerting.Publisher
	telemetry *observability.Provider
	clock     func() time.Time
	limiter   *rate.Limiter

	pollInterval  time.Duration
	syncTimeout   time.Duration
	verifyResults int

	mu       sync.RWMutex
	requests map[string]*DeletionRequest
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithAuditWriter also writes each audit entry as a JSON line to w.
func WithAuditWriter(w io.Writer) Option {
	return func(m *Manager) { m.audit.writer = w }
}

// WithAlerts publishes execution failures.
func WithAlerts(p alerting.Publisher) Option {
	return func(m *Manager) { m.alerts = p }
}

// WithTelemetry records spans and erasure counters.
func WithTelemetry(p *observability.Provider) Option {
	return func(m *Manager) { m.telemetry = p }
}

// WithClock overrides the time source for request timestamps and IDs.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithSyncPolling sets the ingestion job poll interval and overall timeout.
func WithSyncPolling(interval, timeout time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
		if timeout > 0 {
			m.syncTimeout = timeout
		}
	}
}

// WithVerifyRate paces verification queries.
func WithVerifyRate(limit rate.Limit, burst int) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(limit, burst) }
}

// NewManager creates a deletion manager over the given collaborators.
func NewManager(store ObjectStore, kbs KnowledgeBases, detector Detector, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		kbs:           kbs,
		detector:      detector,
		logger:        slog.Default().With("component", "gdpr"),
		audit:         &auditLog{},
		clock:         time.Now,
		limiter:       rate.NewLimiter(5, 5),
		pollInterval:  DefaultPollInterval,
		syncTimeout:   DefaultSyncTimeout,
		verifyResults: DefaultVerifyResults,
		requests:      make(map[string]*DeletionRequest),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.audit.logger = m.logger.With("audit", true)
	return m
}

// ── Registry ──────────────────────────────────────────────────

// CreateDeletionRequest registers a pending request and returns its ID. An empty
// requestID is replaced by gdpr_del_<UTC timestamp>_<random suffix>. Identifiers are
// stored as given; they are only masked when written to logs.
func (m *Manager) CreateDeletionRequest(ctx context.Context, identifiers, knowledgeBaseIDs []string, requestID string) (string, error) {
	if len(identifiers) == 0 {
		return "", fmt.Errorf("%w: at least one subject identifier is required", ErrInvalidRequest)
	}
	for i, id := range identifiers {
		if strings.TrimSpace(id) == "" {
			return "", fmt.Errorf("%w: subject identifier %d is blank", ErrInvalidRequest, i)
		}
	}
	if len(knowledgeBaseIDs) == 0 {
		return "", fmt.Errorf("%w: at least one knowledge base is required", ErrInvalidRequest)
	}
	for i, kb := range knowledgeBaseIDs {
		if strings.TrimSpace(kb) == "" {
			return "", fmt.Errorf("%w: knowledge base %d is blank", ErrInvalidRequest, i)
		}
	}

	now := m.clock().UTC()
	if requestID == "" {
		requestID = fmt.Sprintf("gdpr_del_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[requestID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	m.requests[requestID] = &DeletionRequest{
		RequestID:          requestID,
		SubjectIdentifiers: append([]string(nil), identifiers...),
		KnowledgeBaseIDs:   append([]string(nil), knowledgeBaseIDs...),
		RequestedAt:        now,
		Status:             StatusPending,
		VerificationStatus: NotVerified,
	}

	m.logger.InfoContext(ctx, "deletion request created",
		"request_id", requestID,
		"identifiers", len(identifiers),
		"knowledge_bases", knowledgeBaseIDs,
	)
	return requestID, nil
}

// GetDeletionStatus returns a copy of a request.
func (m *Manager) GetDeletionStatus(requestID string) (DeletionRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[requestID]
	if !ok {
		return DeletionRequest{}, false
	}
	return r.clone(), true
}

// ListDeletionRequests returns copies of all requests, oldest first.
func (m *Manager) ListDeletionRequests() []DeletionRequest {
	m.mu.RLock()
	out := make([]DeletionRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// ── Execution ─────────────────────────────────────────────────

// ExecuteDeletion runs the five deletion phases for a pending request. Unknown IDs
// return ErrRequestNotFound and requests that already ran return ErrInvalidState.
// Phase failures do not return an error: they mark the request failed and are
// reported in the result alongside whatever progress was made.
func (m *Manager) ExecuteDeletion(ctx context.Context, requestID string) (*DeletionResult, error) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if req.Status != StatusPending {
		status := req.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, requestID, status)
	}
	req.Status = StatusInProgress
	snapshot := req.clone()
	m.mu.Unlock()

	ctx, finish := m.telemetry.TrackOperation(ctx, "gdpr.execute_deletion",
		observability.ErasureAttrs(requestID, len(snapshot.KnowledgeBaseIDs))...)

	run := newExecution(m, snapshot)
	err := run.execute(ctx)
	result := run.result

	status, verification := StatusFailed, NotVerified
	switch {
	case err != nil:
		m.logger.ErrorContext(ctx, "deletion execution failed", "request_id", requestID, "error", err)
		result.ErrorMessages = append(result.ErrorMessages, "Deletion execution failed: "+err.Error())
		m.publish(requestID, err)
	case result.VerificationPassed:
		status, verification = StatusCompleted, Verified
		result.Success = true
	default:
		verification = VerificationFailed
	}
	finish(err)

	m.mu.Lock()
	req.Status = status
	req.VerificationStatus = verification
	req.DeletedDocuments = append([]string(nil), result.DeletedDocuments...)
	req.DeletionLog = append([]string(nil), result.DeletionLog...)
	m.mu.Unlock()

	for kbID, n := range run.deletedPerKB {
		m.telemetry.RecordErasure(ctx, kbID, n)
	}
	m.audit.record(ctx, m.auditEntry(ctx, snapshot, status, result))
	return result, nil
}

func (m *Manager) publish(requestID string, err error) {
	if m.alerts == nil {
		return
	}
	m.alerts.Publish(&alerting.Alert{
		Level:       alerting.LevelError,
		FailureMode: alerting.FailureServiceUnavailable,
		Message:     "GDPR deletion failed for request " + requestID,
		Source:      "gdpr_deletion",
		Metadata:    map[string]any{"request_id": requestID, "error": err.Error()},
	})
}
