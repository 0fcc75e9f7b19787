package message

import "fmt"

// Kind identifies the type of a telemetry message.
//
// Kinds form a closed set. Code that dispatches on a Kind must handle every
// value; Route panics on values outside the set so that a newly added kind
// without a routing decision fails loudly in tests.
type Kind int

const (
	KindCreateTrace Kind = iota
	KindUpdateTrace
	KindCreateSpan
	KindUpdateSpan
	KindAddTraceFeedbackScores
	KindAddSpanFeedbackScores
	KindCreateAttachment
	KindCreateTracesBatch
	KindCreateSpansBatch
	KindTraceFeedbackScoresBatch
	KindSpanFeedbackScoresBatch

	// kindCount must stay last.
	kindCount
)

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, int(kindCount))
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreateTrace:
		return "create_trace"
	case KindUpdateTrace:
		return "update_trace"
	case KindCreateSpan:
		return "create_span"
	case KindUpdateSpan:
		return "update_span"
	case KindAddTraceFeedbackScores:
		return "add_trace_feedback_scores"
	case KindAddSpanFeedbackScores:
		return "add_span_feedback_scores"
	case KindCreateAttachment:
		return "create_attachment"
	case KindCreateTracesBatch:
		return "create_traces_batch"
	case KindCreateSpansBatch:
		return "create_spans_batch"
	case KindTraceFeedbackScoresBatch:
		return "trace_feedback_scores_batch"
	case KindSpanFeedbackScoresBatch:
		return "span_feedback_scores_batch"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind returns the kind with the given wire name.
func ParseKind(name string) (Kind, error) {
	for k := Kind(0); k < kindCount; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("message: unknown kind %q", name)
}

// Valid reports whether k is a defined kind.
func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

// Route describes where the pipeline sends a message of a given kind.
type Route int

const (
	// RouteDirect sends the message to the processor as-is.
	RouteDirect Route = iota
	// RouteBatch accumulates the message in the batcher for its kind.
	RouteBatch
	// RouteUpload hands the message to the attachment upload pool.
	RouteUpload
)

// String returns a human-readable representation of the route.
func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteBatch:
		return "batch"
	case RouteUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// Route returns the routing decision for k. It panics for undefined kinds.
func (k Kind) Route() Route {
	switch k {
	case KindCreateTrace, KindCreateSpan, KindAddTraceFeedbackScores, KindAddSpanFeedbackScores:
		return RouteBatch
	case KindUpdateTrace, KindUpdateSpan:
		return RouteDirect
	case KindCreateTracesBatch, KindCreateSpansBatch, KindTraceFeedbackScoresBatch, KindSpanFeedbackScoresBatch:
		return RouteDirect
	case KindCreateAttachment:
		return RouteUpload
	default:
		panic(fmt.Sprintf("message: no route for %s", k))
	}
}

// BatchKind returns the batch kind that groups messages of kind k.
// The second result is false when k is not batchable.
func (k Kind) BatchKind() (Kind, bool) {
	switch k {
	case KindCreateTrace:
		return KindCreateTracesBatch, true
	case KindCreateSpan:
		return KindCreateSpansBatch, true
	case KindAddTraceFeedbackScores:
		return KindTraceFeedbackScoresBatch, true
	case KindAddSpanFeedbackScores:
		return KindSpanFeedbackScoresBatch, true
	default:
		return 0, false
	}
}

// IsBatch reports whether k is a batch kind.
func (k Kind) IsBatch() bool {
	switch k {
	case KindCreateTracesBatch, KindCreateSpansBatch, KindTraceFeedbackScoresBatch, KindSpanFeedbackScoresBatch:
		return true
	default:
		return false
	}
}
