package source

import (
	"context"
	"errors"
	"fmt"
)

// RawMessage is one delivery received from a Source.
//
// The body is opaque to the source. ID identifies the message across
// deliveries and is used for logging and acknowledgement correlation;
// ReceiptHandle is the single-use token required to acknowledge this specific
// delivery.
type RawMessage struct {
	ID            string
	ReceiptHandle string
	Body          []byte

	// ReceiveCount is the number of times the message has been delivered,
	// including this one. Zero when the source does not report it.
	ReceiveCount int
	Attributes   map[string]string
}

// AckMeta returns the compact handle used to acknowledge the message.
func (m RawMessage) AckMeta() AckMetadata {
	return AckMetadata{ID: m.ID, Handle: m.ReceiptHandle}
}

// Sourcer receives messages in poll cycles and acknowledges them in batches.
//
// Receive blocks for at most the configured long-poll wait and never fails on
// an empty result. Acknowledge reports per-item outcomes; an already
// acknowledged or expired receipt is an item failure, not a call failure.
type Sourcer interface {
	Receive(ctx context.Context) ([]RawMessage, error)
	Acknowledge(ctx context.Context, metas []AckMetadata) ([]AckResult, error)
}

// VisibilityExtender can extend the visibility timeout for a batch of messages.
//
// This is useful for SQS-style leases when indexing takes longer than the
// queue visibility timeout.
type VisibilityExtender interface {
	ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, timeoutSeconds int32) error
}

// AckMetadata is a compact, source-specific handle used for acknowledgements
// and lease extensions.
type AckMetadata struct {
	ID     string
	Handle string
}

// AckResult is the outcome of acknowledging one message.
type AckResult struct {
	ID  string
	Err error
}

// AcknowledgeError is the per-item failure reported by a source.
type AcknowledgeError struct {
	ID      string
	Code    string
	Message string
}

func (e *AcknowledgeError) Error() string {
	return fmt.Sprintf("acknowledge failed id=%s code=%s message=%s", e.ID, e.Code, e.Message)
}

// AckGroup accumulates messages that should be acknowledged together.
type AckGroup struct {
	metas []AckMetadata
}

// Add appends a message to the group.
func (g *AckGroup) Add(m RawMessage) {
	g.metas = append(g.metas, m.AckMeta())
}

// AddMeta appends an already extracted handle, e.g. one being retried.
func (g *AckGroup) AddMeta(m AckMetadata) {
	g.metas = append(g.metas, m)
}

// Len returns the number of messages in the group.
func (g *AckGroup) Len() int {
	return len(g.metas)
}

// Commit acknowledges the group against the given Source in a single call.
// An empty group is a no-op and does not reach the source.
func (g *AckGroup) Commit(ctx context.Context, src Sourcer) ([]AckResult, error) {
	if len(g.metas) == 0 {
		return nil, nil
	}
	return src.Acknowledge(ctx, g.metas)
}

// Clear empties the group, keeping its capacity.
func (g *AckGroup) Clear() {
	g.metas = g.metas[:0]
}

// Metas returns the collected handles. The slice is reused after Clear.
func (g *AckGroup) Metas() []AckMetadata {
	return g.metas
}

// ErrNoQueue is returned when neither a queue URL nor a queue name is given.
var ErrNoQueue = errors.New("queue url or queue name is required")
