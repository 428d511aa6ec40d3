package gdpr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/chata/mcp-bedrock-kb/pkg/knowledgebase"
	"github.com/chata/mcp-bedrock-kb/pkg/observability"
	"github.com/chata/mcp-bedrock-kb/pkg/storage"
)

type jobKey struct {
	kbID, dsID string
}

// execution is the working state of one ExecuteDeletion call.
type execution struct {
	m            *Manager
	req          DeletionRequest
	result       *DeletionResult
	jobs         map[jobKey]string
	deletedPerKB map[string]int
}

func newExecution(m *Manager, req DeletionRequest) *execution {
	return &execution{
		m:   m,
		req: req,
		result: &DeletionResult{
			RequestID:           req.RequestID,
			DeletedDocuments:    []string{},
			RemainingReferences: []string{},
		},
		jobs:         make(map[jobKey]string),
		deletedPerKB: make(map[string]int),
	}
}

func (e *execution) logf(format string, args ...any) {
	e.result.DeletionLog = append(e.result.DeletionLog, fmt.Sprintf(format, args...))
}

func (e *execution) itemError(format string, args ...any) {
	e.result.ErrorMessages = append(e.result.ErrorMessages, fmt.Sprintf(format, args...))
}

func (e *execution) phase(ctx context.Context, name string) {
	observability.AddSpanEvent(ctx, "gdpr.phase", observability.AttrPhase.String(name))
}

// execute runs the phases in order. Progress made before a returned error stays in
// e.result.
func (e *execution) execute(ctx context.Context) error {
	e.phase(ctx, "identify")
	affected, err := e.identify(ctx)
	if err != nil {
		return err
	}
	e.logf("Identified %d potentially affected documents", len(affected))

	e.phase(ctx, "delete_objects")
	deleted := e.deleteObjects(ctx, affected)
	e.result.DeletedDocuments = append(e.result.DeletedDocuments, deleted...)
	e.logf("Deleted %d documents from S3", len(deleted))

	e.phase(ctx, "delete_vectors")
	e.result.DeletedVectors = e.reindex(ctx, affected)
	e.logf("Deleted %d vector embeddings", e.result.DeletedVectors)

	e.phase(ctx, "resync")
	failedJobs, err := e.resync(ctx)
	if err != nil {
		return err
	}
	if failedJobs == 0 {
		e.logf("Synchronized all data sources")
	} else {
		e.logf("Synchronized data sources with %d unconfirmed syncs", failedJobs)
	}

	e.phase(ctx, "verify")
	refs, err := e.verify(ctx)
	if err != nil {
		return err
	}
	e.result.RemainingReferences = refs
	e.result.VerificationPassed = len(refs) == 0
	if e.result.VerificationPassed {
		e.logf("Deletion verified successfully - no PII traces found")
	} else {
		e.itemError("Verification failed: %d references still found", len(refs))
	}
	return nil
}

// ── Phase 1: identify ─────────────────────────────────────────

// identify lists every document behind each knowledge base and keeps those that
// mention a subject identifier. Unreadable knowledge bases and documents are skipped.
func (e *execution) identify(ctx context.Context) ([]affectedDocument, error) {
	var affected []affectedDocument
	for _, kbID := range e.req.KnowledgeBaseIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := e.m.kbs.KnowledgeBaseInfo(ctx, kbID)
		if err != nil {
			e.m.logger.ErrorContext(ctx, "knowledge base lookup failed", "knowledge_base_id", kbID, "error", err)
			e.itemError("Failed to identify affected documents in KB:%s: %v", kbID, err)
			continue
		}
		if info.Bucket == "" {
			e.m.logger.WarnContext(ctx, "knowledge base has no S3 bucket", "knowledge_base_id", kbID)
			continue
		}

		objects, err := e.m.store.ListObjects(ctx, info.Bucket, info.Prefix)
		if err != nil {
			e.m.logger.ErrorContext(ctx, "document listing failed", "knowledge_base_id", kbID, "bucket", info.Bucket, "error", err)
			e.itemError("Failed to list documents in KB:%s: %v", kbID, err)
			continue
		}
		for _, obj := range objects {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			body, err := e.m.store.GetObject(ctx, info.Bucket, obj.Key)
			if err != nil {
				e.m.logger.WarnContext(ctx, "document scan failed", "bucket", info.Bucket, "key", obj.Key, "error", err)
				continue
			}
			content := strings.ToValidUTF8(string(body), "")
			if !containsSubject(ctx, e.m.detector, content, e.req.SubjectIdentifiers) {
				continue
			}
			affected = append(affected, affectedDocument{
				KnowledgeBaseID: kbID,
				Bucket:          info.Bucket,
				Key:             obj.Key,
				Size:            obj.Size,
				LastModified:    obj.LastModified,
			})
		}
	}
	return affected, nil
}

// containsSubject reports whether content mentions any identifier, either as a
// detected entity whose normalized text equals the normalized identifier or as a
// case-insensitive substring. The substring check catches formats the recognizers miss.
func containsSubject(ctx context.Context, detector Detector, content string, identifiers []string) bool {
	findings := detector.DetectPII(ctx, content)
	lower := strings.ToLower(content)
	for _, id := range identifiers {
		if want := normalizeIdentifier(id); want != "" {
			for _, f := range findings {
				if normalizeIdentifier(f.Text) == want {
					return true
				}
			}
		}
		if strings.Contains(lower, strings.ToLower(id)) {
			return true
		}
	}
	return false
}

// normalizeIdentifier lowercases s and keeps only ASCII letters, digits, '@' and '.'.
func normalizeIdentifier(s string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '@', r == '.':
			return r
		}
		return -1
	}, s)
}

// ── Phase 2: delete objects ───────────────────────────────────

// deleteObjects removes every affected object and returns the keys that are gone.
// A missing object counts as deleted.
func (e *execution) deleteObjects(ctx context.Context, docs []affectedDocument) []string {
	deleted := []string{}
	for _, doc := range docs {
		err := e.m.store.DeleteObject(ctx, doc.Bucket, doc.Key)
		switch {
		case err == nil:
			e.m.logger.InfoContext(ctx, "document deleted", "request_id", e.req.RequestID, "bucket", doc.Bucket, "key", doc.Key)
		case errors.Is(err, storage.ErrNotFound):
			e.m.logger.InfoContext(ctx, "document already deleted", "request_id", e.req.RequestID, "bucket", doc.Bucket, "key", doc.Key)
		default:
			e.m.logger.ErrorContext(ctx, "document delete failed", "bucket", doc.Bucket, "key", doc.Key, "error", err)
			e.itemError("Failed to delete document %s/%s: %v", doc.Bucket, doc.Key, err)
			continue
		}
		deleted = append(deleted, doc.Key)
		e.deletedPerKB[doc.KnowledgeBaseID]++
	}
	return deleted
}

// ── Phase 3: delete vectors ───────────────────────────────────

// reindex starts a re-ingestion of every data source of each affected knowledge base
// so vectors of deleted objects are dropped. The returned count is an estimate: the
// number of affected documents in knowledge bases where a job started.
func (e *execution) reindex(ctx context.Context, docs []affectedDocument) int {
	perKB := make(map[string]int)
	for _, d := range docs {
		perKB[d.KnowledgeBaseID]++
	}

	vectors := 0
	for _, kbID := range e.req.KnowledgeBaseIDs {
		n := perKB[kbID]
		if n == 0 {
			continue
		}
		sources, err := e.m.kbs.ListDataSources(ctx, kbID)
		if err != nil {
			e.m.logger.ErrorContext(ctx, "vector deletion failed", "knowledge_base_id", kbID, "error", err)
			e.itemError("Failed to initiate vector deletion for KB:%s: %v", kbID, err)
			continue
		}
		started := false
		for _, ds := range sources {
			jobID, err := e.m.kbs.StartIngestionJob(ctx, kbID, ds.ID, "GDPR deletion cleanup for request "+e.req.RequestID)
			if err != nil {
				if errors.Is(err, knowledgebase.ErrIngestionInProgress) {
					e.m.logger.InfoContext(ctx, "ingestion already running", "knowledge_base_id", kbID, "data_source_id", ds.ID)
					continue
				}
				e.m.logger.ErrorContext(ctx, "ingestion start failed", "knowledge_base_id", kbID, "data_source_id", ds.ID, "error", err)
				e.itemError("Failed to start re-ingestion for KB:%s data source %s: %v", kbID, ds.ID, err)
				continue
			}
			e.jobs[jobKey{kbID, ds.ID}] = jobID
			started = true
		}
		if started {
			vectors += n
		}
	}
	return vectors
}

// ── Phase 4: resync ───────────────────────────────────────────

// resync triggers ingestion for every data source in scope and waits for each job.
// A data source that is still busy with the job started by reindex is waited on
// instead. Per data source failures are recorded and skipped; a sync that times out,
// conflicts with an unknown job or cannot be polled counts as unconfirmed. It returns
// the number of unconfirmed syncs and fails only when ctx is done.
func (e *execution) resync(ctx context.Context) (int, error) {
	failed := 0
	for _, kbID := range e.req.KnowledgeBaseIDs {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		sources, err := e.m.kbs.ListDataSources(ctx, kbID)
		if err != nil {
			e.m.logger.ErrorContext(ctx, "data source listing failed", "knowledge_base_id", kbID, "error", err)
			e.itemError("Failed to sync KB:%s: %v", kbID, err)
			continue
		}
		for _, ds := range sources {
			jobID, err := e.m.kbs.StartIngestionJob(ctx, kbID, ds.ID, "GDPR deletion sync for request "+e.req.RequestID)
			if errors.Is(err, knowledgebase.ErrIngestionInProgress) {
				prev, ok := e.jobs[jobKey{kbID, ds.ID}]
				if !ok {
					failed++
					e.m.logger.WarnContext(ctx, "sync conflicts with an unknown ingestion job", "knowledge_base_id", kbID, "data_source_id", ds.ID)
					e.itemError("Sync for KB:%s data source %s not confirmed: %v", kbID, ds.ID, err)
					continue
				}
				jobID, err = prev, nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return failed, ctx.Err()
				}
				failed++
				e.m.logger.ErrorContext(ctx, "sync start failed", "knowledge_base_id", kbID, "data_source_id", ds.ID, "error", err)
				e.itemError("Failed to start sync for KB:%s data source %s: %v", kbID, ds.ID, err)
				continue
			}

			status, err := e.waitForSync(ctx, kbID, ds.ID, jobID)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return failed, ctx.Err()
			case errors.Is(err, ErrSyncTimeout):
				failed++
				e.itemError("Sync for KB:%s data source %s not confirmed: %v", kbID, ds.ID, err)
				e.m.publish(e.req.RequestID, err)
				continue
			default:
				failed++
				e.m.logger.ErrorContext(ctx, "sync status check failed", "knowledge_base_id", kbID, "data_source_id", ds.ID, "error", err)
				e.itemError("Sync for KB:%s data source %s not confirmed: %v", kbID, ds.ID, err)
				continue
			}
			if status != knowledgebase.JobComplete {
				failed++
				e.itemError("Sync job %s for KB:%s ended with status %s", jobID, kbID, status)
			}
		}
	}
	return failed, nil
}

// waitForSync polls a job until it reaches a terminal status or the sync timeout.
func (e *execution) waitForSync(ctx context.Context, kbID, dsID, jobID string) (knowledgebase.JobStatus, error) {
	deadline := time.NewTimer(e.m.syncTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.m.pollInterval)
	defer ticker.Stop()

	for {
		status, err := e.m.kbs.IngestionJobStatus(ctx, kbID, dsID, jobID)
		if err != nil {
			return "", fmt.Errorf("check sync job %s for KB:%s: %w", jobID, kbID, err)
		}
		if status.Terminal() {
			e.m.logger.InfoContext(ctx, "sync job finished", "knowledge_base_id", kbID, "data_source_id", dsID, "job_id", jobID, "status", status)
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			e.m.logger.WarnContext(ctx, "sync job timed out", "knowledge_base_id", kbID, "job_id", jobID, "timeout", e.m.syncTimeout)
			return "", fmt.Errorf("%w: job %s for KB:%s after %s", ErrSyncTimeout, jobID, kbID, e.m.syncTimeout)
		case <-ticker.C:
		}
	}
}

// ── Phase 5: verify ───────────────────────────────────────────

// verify queries every knowledge base for every raw identifier. Any hit, or any
// query that fails, is a remaining reference. References name identifiers masked.
func (e *execution) verify(ctx context.Context) ([]string, error) {
	refs := []string{}
	for _, kbID := range e.req.KnowledgeBaseIDs {
		for _, id := range e.req.SubjectIdentifiers {
			if err := e.m.limiter.Wait(ctx); err != nil {
				return refs, fmt.Errorf("verify KB:%s: %w", kbID, err)
			}
			masked := e.m.maskIdentifier(ctx, id)
			results, err := e.m.kbs.Retrieve(ctx, kbID, id, e.m.verifyResults)
			if err != nil {
				e.m.logger.ErrorContext(ctx, "verification query failed", "knowledge_base_id", kbID, "error", err)
				refs = append(refs, fmt.Sprintf("KB:%s could not be verified for %s", kbID, masked))
				continue
			}
			if len(results) > 0 {
				refs = append(refs, fmt.Sprintf("KB:%s still contains references to %s", kbID, masked))
			}
		}
	}
	return refs, nil
}
