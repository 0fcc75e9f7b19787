package http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jdziat/tracestream/pkg/message"
	"github.com/jdziat/tracestream/pkg/wire"
)

// endpoint is where a message kind is sent.
type endpoint struct {
	method string
	path   string
	// itemsKey wraps the items in {"<itemsKey>": [...]}. Empty sends the
	// single event document.
	itemsKey string
	// byEntity appends the entity id to the path.
	byEntity bool
}

// endpointFor maps every message kind to its collector endpoint.
func endpointFor(k message.Kind) (endpoint, error) {
	switch k {
	case message.KindCreateTrace:
		return endpoint{method: http.MethodPost, path: "/v1/private/traces"}, nil
	case message.KindUpdateTrace:
		return endpoint{method: http.MethodPatch, path: "/v1/private/traces", byEntity: true}, nil
	case message.KindCreateSpan:
		return endpoint{method: http.MethodPost, path: "/v1/private/spans"}, nil
	case message.KindUpdateSpan:
		return endpoint{method: http.MethodPatch, path: "/v1/private/spans", byEntity: true}, nil
	case message.KindAddTraceFeedbackScores, message.KindTraceFeedbackScoresBatch:
		return endpoint{method: http.MethodPut, path: "/v1/private/traces/feedback-scores", itemsKey: "scores"}, nil
	case message.KindAddSpanFeedbackScores, message.KindSpanFeedbackScoresBatch:
		return endpoint{method: http.MethodPut, path: "/v1/private/spans/feedback-scores", itemsKey: "scores"}, nil
	case message.KindCreateTracesBatch:
		return endpoint{method: http.MethodPost, path: "/v1/private/traces/batch", itemsKey: "traces"}, nil
	case message.KindCreateSpansBatch:
		return endpoint{method: http.MethodPost, path: "/v1/private/spans/batch", itemsKey: "spans"}, nil
	case message.KindCreateAttachment:
		return endpoint{}, fmt.Errorf("tracestream: %s is sent by the uploader", k)
	default:
		return endpoint{}, fmt.Errorf("tracestream: no endpoint for %s", k)
	}
}

// Processor sends messages to the collector's REST API.
type Processor struct {
	c *client
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config) (*Processor, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Processor{c: c}, nil
}

// Process sends msg. A 429 response is returned as a rate-limit signal;
// other failures are returned as they are and are fatal to the message.
func (p *Processor) Process(ctx context.Context, msg message.Message) error {
	ep, err := endpointFor(msg.Kind())
	if err != nil {
		return err
	}

	path := ep.path
	var doc any
	if ep.itemsKey != "" {
		items, err := wire.Items(msg)
		if err != nil {
			return err
		}
		doc = map[string][]wire.Event{ep.itemsKey: items}
	} else {
		event, ok := msg.(*message.Event)
		if !ok {
			return fmt.Errorf("tracestream: %s must be an event, got %T", msg.Kind(), msg)
		}
		if ep.byEntity {
			if event.EntityID() == "" {
				return fmt.Errorf("tracestream: %s %s has no entity id", msg.Kind(), msg.ID())
			}
			path += "/" + url.PathEscape(event.EntityID())
		}
		doc = wire.FromEvent(event)
	}

	data, err := wire.MarshalValue(doc)
	if err != nil {
		return err
	}
	body, encoding, err := encodeBody(p.c.cfg.Compression, p.c.cfg.CompressionThreshold, data)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if encoding != "" {
		header.Set("Content-Encoding", encoding)
	}

	return p.c.do(ctx, &request{
		method:        ep.method,
		path:          path,
		header:        header,
		body:          bytesBody(body),
		contentLength: int64(len(body)),
	})
}

// CircuitState returns the circuit breaker state, or CircuitClosed when no
// breaker is configured.
func (p *Processor) CircuitState() CircuitState {
	if p.c.breaker == nil {
		return CircuitClosed
	}
	return p.c.breaker.State()
}
