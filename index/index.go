package index

import (
	"context"
	"fmt"
)

// Document is one create-only write: the id and the verbatim JSON source.
type Document struct {
	ID   string
	Body []byte
}

// Status of a single write.
type Status int

const (
	Indexed Status = iota + 1
	Failed
)

// FailureReason classifies a failed write.
type FailureReason int

const (
	NoFailure FailureReason = iota
	// AlreadyExists means a document with the same id is already in the index.
	AlreadyExists
	// Rejected covers every other item-level error reported by the backend.
	Rejected
)

func (r FailureReason) String() string {
	switch r {
	case NoFailure:
		return "none"
	case AlreadyExists:
		return "already_exists"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// WriteOutcome is the result of one document write.
type WriteOutcome struct {
	Status Status
	Reason FailureReason
	Detail string
}

func (o WriteOutcome) IsIndexed() bool { return o.Status == Indexed }

func (o WriteOutcome) String() string {
	if o.Status == Indexed {
		return "indexed"
	}
	if o.Detail == "" {
		return "failed(" + o.Reason.String() + ")"
	}
	return "failed(" + o.Reason.String() + "): " + o.Detail
}

// IndexedOutcome reports a successful write.
func IndexedOutcome() WriteOutcome {
	return WriteOutcome{Status: Indexed}
}

// FailedOutcome reports an item-level failure.
func FailedOutcome(reason FailureReason, detail string) WriteOutcome {
	return WriteOutcome{Status: Failed, Reason: reason, Detail: detail}
}

// Writer submits batches of create-only writes.
//
// On success the returned outcomes are order-correlated with docs: outcome i
// belongs to docs[i]. Callers rely on position, never on ids. When the batch
// cannot be sent or its response cannot be correlated the writer returns a
// *BatchSubmissionError and no outcomes.
type Writer interface {
	SubmitBatch(ctx context.Context, docs []Document) ([]WriteOutcome, error)
}

// BatchSubmissionError means no item of the batch can be considered written.
type BatchSubmissionError struct {
	StatusCode int
	Err        error
}

func (e *BatchSubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bulk submission failed status=%d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bulk submission failed: %v", e.Err)
}

func (e *BatchSubmissionError) Unwrap() error { return e.Err }
