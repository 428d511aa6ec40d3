package gdpr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/chata/mcp-bedrock-kb/pkg/alerting"
	"github.com/chata/mcp-bedrock-kb/pkg/knowledgebase"
	"github.com/chata/mcp-bedrock-kb/pkg/pii"
	"github.com/chata/mcp-bedrock-kb/pkg/storage"
)

// ── Fakes ─────────────────────────────────────────────────────

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]map[string]string // bucket -> key -> body
	deleteErr map[string]error
	deleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]map[string]string{}, deleteErr: map[string]error{}}
}

func (f *fakeStore) put(bucket, key, body string) {
	if f.objects[bucket] == nil {
		f.objects[bucket] = map[string]string{}
	}
	f.objects[bucket][key] = body
}

func (f *fakeStore) ListObjects(_ context.Context, bucket, prefix string) ([]storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Object
	for k, v := range f.objects[bucket] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.Object{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeStore) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[bucket][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return []byte(v), nil
}

func (f *fakeStore) DeleteObject(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	delete(f.objects[bucket], key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeKBs struct {
	mu             sync.Mutex
	infos          map[string]knowledgebase.Info
	infoErr        map[string]error
	sources        map[string][]knowledgebase.DataSource
	sourcesErr     map[string]error
	conflictOnSync bool
	startCalls     map[jobKey]int
	descriptions   []string
	statuses       []knowledgebase.JobStatus
	polls          map[string]int
	hits           map[string]int
	retrieveErr    map[string]error
	queries        []string
}

func newFakeKBs() *fakeKBs {
	return &fakeKBs{
		infos:       map[string]knowledgebase.Info{},
		infoErr:     map[string]error{},
		sources:     map[string][]knowledgebase.DataSource{},
		startCalls:  map[jobKey]int{},
		polls:       map[string]int{},
		hits:        map[string]int{},
		retrieveErr: map[string]error{},
	}
}

func (f *fakeKBs) KnowledgeBaseInfo(_ context.Context, kbID string) (knowledgebase.Info, error) {
	if err := f.infoErr[kbID]; err != nil {
		return knowledgebase.Info{}, err
	}
	return f.infos[kbID], nil
}

func (f *fakeKBs) ListDataSources(_ context.Context, kbID string) ([]knowledgebase.DataSource, error) {
	if err := f.sourcesErr[kbID]; err != nil {
		return nil, err
	}
	return f.sources[kbID], nil
}

func (f *fakeKBs) StartIngestionJob(_ context.Context, kbID, dsID, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := jobKey{kbID, dsID}
	f.startCalls[key]++
	if f.conflictOnSync && f.startCalls[key] > 1 {
		return "", fmt.Errorf("start: %w", knowledgebase.ErrIngestionInProgress)
	}
	f.descriptions = append(f.descriptions, description)
	return fmt.Sprintf("job-%s-%s-%d", kbID, dsID, f.startCalls[key]), nil
}

func (f *fakeKBs) IngestionJobStatus(_ context.Context, _, _, jobID string) (knowledgebase.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls[jobID]
	f.polls[jobID]++
	if len(f.statuses) == 0 {
		return knowledgebase.JobComplete, nil
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeKBs) Retrieve(_ context.Context, kbID, query string, n int) ([]knowledgebase.RetrievalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if err := f.retrieveErr[kbID]; err != nil {
		return nil, err
	}
	out := make([]knowledgebase.RetrievalResult, 0, f.hits[kbID])
	for i := 0; i < f.hits[kbID] && i < n; i++ {
		out = append(out, knowledgebase.RetrievalResult{Text: "hit"})
	}
	return out, nil
}

type collectingPublisher struct {
	mu     sync.Mutex
	alerts []*alerting.Alert
}

func (c *collectingPublisher) Publish(a *alerting.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDetector(t *testing.T, masking bool) *pii.Detector {
	t.Helper()
	a, err := pii.LoadPatternAnalyzer(context.Background())
	require.NoError(t, err)
	return pii.NewDetector(
		pii.WithAnalyzer(a),
		pii.WithMasking(masking),
		pii.WithLogger(quietLogger()),
		pii.WithMemoryBudget(256),
	)
}

// fixture is one knowledge base KB1 backed by kb1-bucket/documents/ with a single
// data source, holding two documents that mention alice@example.com.
type fixture struct {
	store *fakeStore
	kbs   *fakeKBs
}

func newFixture() *fixture {
	f := &fixture{store: newFakeStore(), kbs: newFakeKBs()}
	f.kbs.infos["KB1"] = knowledgebase.Info{ID: "KB1", Bucket: "kb1-bucket", Prefix: "documents/"}
	f.kbs.sources["KB1"] = []knowledgebase.DataSource{{ID: "DS1"}}
	f.store.put("kb1-bucket", "documents/a.txt", "Contact alice@example.com for details")
	f.store.put("kb1-bucket", "documents/b.txt", "ALICE@EXAMPLE.COM wrote this")
	f.store.put("kb1-bucket", "documents/c.txt", "nothing personal here")
	f.store.put("kb1-bucket", "archive/d.txt", "alice@example.com outside the data source prefix")
	return f
}

func (f *fixture) manager(t *testing.T, opts ...Option) *Manager {
	base := []Option{
		WithLogger(quietLogger()),
		WithSyncPolling(time.Millisecond, time.Second),
		WithVerifyRate(rate.Inf, 1),
	}
	return NewManager(f.store, f.kbs, newDetector(t, true), append(base, opts...)...)
}

// ── Registry ──────────────────────────────────────────────────

func TestCreateDeletionRequestValidation(t *testing.T) {
	m := newFixture().manager(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		identifiers []string
		kbs         []string
	}{
		{"no identifiers", nil, []string{"KB1"}},
		{"blank identifier", []string{"alice@example.com", "  "}, []string{"KB1"}},
		{"no knowledge bases", []string{"alice@example.com"}, nil},
		{"blank knowledge base", []string{"alice@example.com"}, []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateDeletionRequest(ctx, tt.identifiers, tt.kbs, "")
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	require.Empty(t, m.ListDeletionRequests())
}

func TestCreateDeletionRequestGeneratesID(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	m := newFixture().manager(t, WithClock(func() time.Time { return at }))

	id, err := m.CreateDeletionRequest(context.Background(), []string{"alice@example.com"}, []string{"KB1"}, "")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^gdpr_del_20260304_050607_[0-9a-f]{8}$`), id)

	req, ok := m.GetDeletionStatus(id)
	require.True(t, ok)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, NotVerified, req.VerificationStatus)
	require.Equal(t, at, req.RequestedAt)
	require.Equal(t, []string{"alice@example.com"}, req.SubjectIdentifiers)
}

func TestCreateDeletionRequestRejectsDuplicateID(t *testing.T) {
	m := newFixture().manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)

	_, err = m.CreateDeletionRequest(ctx, []string{"bob@example.com"}, []string{"KB2"}, "req-1")
	require.ErrorIs(t, err, ErrDuplicateRequest)

	req, ok := m.GetDeletionStatus("req-1")
	require.True(t, ok)
	require.Equal(t, []string{"alice@example.com"}, req.SubjectIdentifiers, "original request is untouched")
	require.Equal(t, []string{"KB1"}, req.KnowledgeBaseIDs)
}

func TestGetDeletionStatusReturnsCopy(t *testing.T) {
	m := newFixture().manager(t)
	_, err := m.CreateDeletionRequest(context.Background(), []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)

	req, _ := m.GetDeletionStatus("req-1")
	req.SubjectIdentifiers[0] = "mutated"
	req.Status = StatusCompleted

	again, _ := m.GetDeletionStatus("req-1")
	require.Equal(t, "alice@example.com", again.SubjectIdentifiers[0])
	require.Equal(t, StatusPending, again.Status)

	_, ok := m.GetDeletionStatus("missing")
	require.False(t, ok)
}

func TestListDeletionRequestsOrderedByTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	m := newFixture().manager(t, WithClock(clock))
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, id)
		require.NoError(t, err)
	}

	var ids []string
	for _, r := range m.ListDeletionRequests() {
		ids = append(ids, r.RequestID)
	}
	require.Equal(t, []string{"zeta", "alpha", "mid"}, ids)
}

// ── Execution ─────────────────────────────────────────────────

func TestExecuteDeletion(t *testing.T) {
	f := newFixture()
	f.kbs.statuses = []knowledgebase.JobStatus{knowledgebase.JobStarting, knowledgebase.JobInProgress, knowledgebase.JobComplete}
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)

	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, result.VerificationPassed)
	require.Equal(t, "req-1", result.RequestID)
	require.Equal(t, []string{"documents/a.txt", "documents/b.txt"}, result.DeletedDocuments)
	require.Equal(t, 2, result.DeletedVectors)
	require.Empty(t, result.RemainingReferences)
	require.Empty(t, result.ErrorMessages)
	require.Equal(t, []string{
		"Identified 2 potentially affected documents",
		"Deleted 2 documents from S3",
		"Deleted 2 vector embeddings",
		"Synchronized all data sources",
		"Deletion verified successfully - no PII traces found",
	}, result.DeletionLog)

	require.Contains(t, f.store.objects["kb1-bucket"], "documents/c.txt")
	require.Contains(t, f.store.objects["kb1-bucket"], "archive/d.txt", "objects outside the prefix are not scanned")
	require.Equal(t, []string{
		"GDPR deletion cleanup for request req-1",
		"GDPR deletion sync for request req-1",
	}, f.kbs.descriptions)
	require.Equal(t, []string{"alice@example.com"}, f.kbs.queries, "verification queries the raw identifier")

	req, _ := m.GetDeletionStatus("req-1")
	require.Equal(t, StatusCompleted, req.Status)
	require.Equal(t, Verified, req.VerificationStatus)
	require.Equal(t, result.DeletedDocuments, req.DeletedDocuments)
	require.Equal(t, result.DeletionLog, req.DeletionLog)
}

func TestExecuteDeletionStateGating(t *testing.T) {
	m := newFixture().manager(t)
	ctx := context.Background()

	_, err := m.ExecuteDeletion(ctx, "missing")
	require.ErrorIs(t, err, ErrRequestNotFound)

	_, err = m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	_, err = m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	_, err = m.ExecuteDeletion(ctx, "req-1")
	require.ErrorIs(t, err, ErrInvalidState)
	req, _ := m.GetDeletionStatus("req-1")
	require.Equal(t, StatusCompleted, req.Status, "rejected re-execution leaves the request alone")
}

func TestExecuteDeletionVerificationFails(t *testing.T) {
	f := newFixture()
	f.kbs.hits["KB1"] = 3
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.False(t, result.Success)
	require.False(t, result.VerificationPassed)
	require.Equal(t, []string{"KB:KB1 still contains references to [EMAIL_REDACTED]"}, result.RemainingReferences)
	require.Equal(t, []string{"Verification failed: 1 references still found"}, result.ErrorMessages)
	require.Len(t, result.DeletedDocuments, 2, "partial progress is reported")

	req, _ := m.GetDeletionStatus("req-1")
	require.Equal(t, StatusFailed, req.Status)
	require.Equal(t, VerificationFailed, req.VerificationStatus)
}

func TestExecuteDeletionVerificationQueryError(t *testing.T) {
	f := newFixture()
	f.kbs.retrieveErr["KB1"] = errors.New("throttled")
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.False(t, result.Success)
	require.Equal(t, []string{"KB:KB1 could not be verified for [EMAIL_REDACTED]"}, result.RemainingReferences)
}

func TestExecuteDeletionToleratesMissingAndFailingDeletes(t *testing.T) {
	f := newFixture()
	f.store.deleteErr["documents/a.txt"] = fmt.Errorf("head: %w", storage.ErrNotFound)
	f.store.deleteErr["documents/b.txt"] = errors.New("access denied")
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.Equal(t, []string{"documents/a.txt"}, result.DeletedDocuments, "a missing object is already deleted")
	require.Len(t, result.ErrorMessages, 1)
	require.Contains(t, result.ErrorMessages[0], "Failed to delete document kb1-bucket/documents/b.txt")
	require.Contains(t, result.DeletionLog, "Deleted 1 documents from S3")
	require.True(t, result.Success, "verification still decides the outcome")
}

func TestExecuteDeletionSkipsUnresolvableKnowledgeBase(t *testing.T) {
	f := newFixture()
	f.kbs.infoErr["KB2"] = knowledgebase.ErrNotFound
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB2", "KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.Len(t, result.DeletedDocuments, 2)
	require.Len(t, result.ErrorMessages, 1)
	require.Contains(t, result.ErrorMessages[0], "Failed to identify affected documents in KB:KB2")
	require.Equal(t, []string{"alice@example.com", "alice@example.com"}, f.kbs.queries, "every knowledge base is verified")
}

// Invariant: a sync that hits the timeout is reported as unconfirmed and alerted on,
// and verification still runs.
func TestExecuteDeletionSyncTimeout(t *testing.T) {
	f := newFixture()
	f.kbs.statuses = []knowledgebase.JobStatus{knowledgebase.JobInProgress}
	alerts := &collectingPublisher{}
	m := f.manager(t, WithSyncPolling(time.Millisecond, 20*time.Millisecond), WithAlerts(alerts))
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.Len(t, result.ErrorMessages, 1)
	require.Contains(t, result.ErrorMessages[0], "Sync for KB:KB1 data source DS1 not confirmed")
	require.Contains(t, result.ErrorMessages[0], ErrSyncTimeout.Error())
	require.Contains(t, result.DeletionLog, "Synchronized data sources with 1 unconfirmed syncs")
	require.Len(t, result.DeletedDocuments, 2)
	require.Equal(t, []string{"alice@example.com"}, f.kbs.queries, "verification runs after a timeout")
	require.True(t, result.VerificationPassed)

	require.Len(t, alerts.alerts, 1)
	require.Equal(t, alerting.LevelError, alerts.alerts[0].Level)
	require.Equal(t, "req-1", alerts.alerts[0].Metadata["request_id"])
}

func TestExecuteDeletionFailedSyncJob(t *testing.T) {
	f := newFixture()
	f.kbs.statuses = []knowledgebase.JobStatus{knowledgebase.JobFailed}
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.Contains(t, result.DeletionLog, "Synchronized data sources with 1 unconfirmed syncs")
	require.Equal(t, []string{"Sync job job-KB1-DS1-2 for KB:KB1 ended with status FAILED"}, result.ErrorMessages)
	require.True(t, result.Success)
}

func TestResyncReusesCleanupJob(t *testing.T) {
	f := newFixture()
	f.kbs.conflictOnSync = true
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Equal(t, 1, f.kbs.polls["job-KB1-DS1-1"], "the cleanup job is polled")
	require.Equal(t, []string{"GDPR deletion cleanup for request req-1"}, f.kbs.descriptions)
}

func TestResyncConflictWithoutKnownJobIsUnconfirmed(t *testing.T) {
	f := newFixture()
	f.kbs.conflictOnSync = true
	f.kbs.sources["KB9"] = []knowledgebase.DataSource{{ID: "DS9"}}
	f.kbs.infos["KB9"] = knowledgebase.Info{ID: "KB9", Bucket: "kb9-bucket"}
	m := f.manager(t)
	ctx := context.Background()

	// KB9 has no affected documents, so no cleanup job exists to fall back on. The
	// first start succeeds; a second one in the same request would conflict.
	f.kbs.startCalls[jobKey{"KB9", "DS9"}] = 1
	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB9"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.Len(t, result.ErrorMessages, 1)
	require.Contains(t, result.ErrorMessages[0], "Sync for KB:KB9 data source DS9 not confirmed")
	require.Contains(t, result.ErrorMessages[0], knowledgebase.ErrIngestionInProgress.Error())
	require.Contains(t, result.DeletionLog, "Synchronized data sources with 1 unconfirmed syncs")
	require.Equal(t, []string{"alice@example.com"}, f.kbs.queries)
}

// Invariant: one knowledge base failing to sync never stops the resync of the others
// or the verification of any.
func TestResyncFailureIsIsolatedPerKnowledgeBase(t *testing.T) {
	f := newFixture()
	f.kbs.conflictOnSync = true
	f.kbs.sources["KB9"] = []knowledgebase.DataSource{{ID: "DS9"}}
	f.kbs.infos["KB9"] = knowledgebase.Info{ID: "KB9", Bucket: "kb9-bucket"}
	f.kbs.startCalls[jobKey{"KB9", "DS9"}] = 1
	f.kbs.sources["KB7"] = []knowledgebase.DataSource{{ID: "DS7"}}
	f.kbs.infos["KB7"] = knowledgebase.Info{ID: "KB7", Bucket: "kb7-bucket"}
	f.kbs.sourcesErr = map[string]error{"KB7": errors.New("throttled")}
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com"}, []string{"KB9", "KB7", "KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	require.Equal(t, []string{"documents/a.txt", "documents/b.txt"}, result.DeletedDocuments)
	require.Equal(t, 1, f.kbs.polls["job-KB1-DS1-1"], "KB1 still resyncs after KB9 and KB7 fail")
	require.Len(t, f.kbs.queries, 3, "every knowledge base is verified")
	require.True(t, result.VerificationPassed)
	require.Len(t, result.ErrorMessages, 2)
	require.Contains(t, result.ErrorMessages[0], "KB:KB9")
	require.Contains(t, result.ErrorMessages[1], "Failed to sync KB:KB7: throttled")
}

func TestExecuteDeletionCancelledContext(t *testing.T) {
	m := newFixture().manager(t)
	_, err := m.CreateDeletionRequest(context.Background(), []string{"alice@example.com"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.ErrorMessages[0], context.Canceled.Error())

	req, _ := m.GetDeletionStatus("req-1")
	require.Equal(t, StatusFailed, req.Status)
}

// ── Matching and audit ────────────────────────────────────────

type stubDetector struct{ findings []pii.Finding }

func (s stubDetector) DetectPII(context.Context, string) []pii.Finding { return s.findings }

func (s stubDetector) MaskPII(_ context.Context, text string) (string, []pii.Finding) {
	return text, nil
}

func TestContainsSubject(t *testing.T) {
	ctx := context.Background()
	phone := stubDetector{findings: []pii.Finding{{EntityType: pii.EntityPhone, Text: "555-123-4567"}}}

	require.True(t, containsSubject(ctx, phone, "call 555-123-4567", []string{"(555) 123 4567"}),
		"normalized entity text matches")
	require.True(t, containsSubject(ctx, stubDetector{}, "Ticket from Alice.Smith Corp", []string{"alice.smith"}),
		"case-insensitive substring matches without a finding")
	require.False(t, containsSubject(ctx, phone, "call 555-123-4567", []string{"555-999-0000"}))
	require.False(t, containsSubject(ctx, stubDetector{findings: []pii.Finding{{Text: "---"}}}, "---", []string{"###"}),
		"identifiers that normalize to nothing never match entity text")
}

func TestNormalizeIdentifier(t *testing.T) {
	require.Equal(t, "alice.smith@example.com", normalizeIdentifier(" Alice.Smith@Example.COM "))
	require.Equal(t, "15551234567", normalizeIdentifier("+1 (555) 123-4567"))
	require.Equal(t, "jos", normalizeIdentifier("José"))
}

func TestAuditNeverLogsRawIdentifiers(t *testing.T) {
	f := newFixture()
	f.kbs.hits["KB1"] = 1
	var logs, audit bytes.Buffer
	m := f.manager(t,
		WithLogger(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		WithAuditWriter(&audit),
	)
	ctx := context.Background()

	_, err := m.CreateDeletionRequest(ctx, []string{"alice@example.com", "customer-42"}, []string{"KB1"}, "req-1")
	require.NoError(t, err)
	result, err := m.ExecuteDeletion(ctx, "req-1")
	require.NoError(t, err)

	var entry AuditEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(audit.Bytes()), &entry))
	require.Equal(t, "req-1", entry.RequestID)
	require.Equal(t, []string{"[EMAIL_REDACTED]", pii.GenericPlaceholder}, entry.MaskedIdentifiers)
	require.Equal(t, StatusFailed, entry.Status)
	require.Equal(t, 2, entry.DeletedDocumentsCount)
	require.Equal(t, 2, entry.RemainingReferencesCount)

	for _, raw := range []string{"alice@example.com", "customer-42"} {
		require.NotContains(t, logs.String(), raw)
		require.NotContains(t, audit.String(), raw)
		for _, ref := range result.RemainingReferences {
			require.NotContains(t, ref, raw)
		}
	}
	require.Contains(t, logs.String(), "GDPR deletion completed")
}

func TestMaskIdentifierFallsBackWhenMaskingIsOff(t *testing.T) {
	f := newFixture()
	m := NewManager(f.store, f.kbs, newDetector(t, false), WithLogger(quietLogger()))
	require.Equal(t, pii.GenericPlaceholder, m.maskIdentifier(context.Background(), "alice@example.com"))
}
