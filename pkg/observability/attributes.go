package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the detector, the erasure workflow and alerting.
var (
	AttrOperation = attribute.Key("kbguard.operation")

	AttrEntityType   = attribute.Key("kbguard.pii.entity_type")
	AttrVariant      = attribute.Key("kbguard.pii.variant")
	AttrChunkCount   = attribute.Key("kbguard.pii.chunks")
	AttrTextBytes    = attribute.Key("kbguard.pii.text_bytes")
	AttrFindingCount = attribute.Key("kbguard.pii.findings")

	AttrKnowledgeBaseID = attribute.Key("kbguard.kb.id")
	AttrDataSourceID    = attribute.Key("kbguard.kb.data_source_id")

	AttrRequestID = attribute.Key("kbguard.gdpr.request_id")
	AttrPhase     = attribute.Key("kbguard.gdpr.phase")

	AttrFailureMode = attribute.Key("kbguard.alert.failure_mode")
	AttrAlertLevel  = attribute.Key("kbguard.alert.level")
)

// DetectionAttrs describes a detection call. Text content is never recorded.
func DetectionAttrs(textBytes, variants int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTextBytes.Int(textBytes),
		AttrVariant.Int(variants),
	}
}

// ErasureAttrs describes an erasure request.
func ErasureAttrs(requestID string, knowledgeBases int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		attribute.Int("kbguard.gdpr.knowledge_bases", knowledgeBases),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
