package ingestor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/koliambus/catalog-discovery/decoder"
	"github.com/koliambus/catalog-discovery/index"
	"github.com/koliambus/catalog-discovery/source"
)

// DuplicatePolicy decides what happens to a message whose document already
// exists in the index.
type DuplicatePolicy int

const (
	// DuplicateRetain leaves the message pending like any other failed write.
	DuplicateRetain DuplicatePolicy = iota
	// DuplicateAcknowledge acknowledges it, since the document is already indexed.
	DuplicateAcknowledge
)

func (p DuplicatePolicy) String() string {
	if p == DuplicateAcknowledge {
		return "acknowledge"
	}
	return "retain"
}

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retain":
		return DuplicateRetain, nil
	case "acknowledge", "ack":
		return DuplicateAcknowledge, nil
	default:
		return DuplicateRetain, fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// DeadLetterer archives messages that will not be processed again.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msgs []source.RawMessage, reason string) error
}

// ReasonMaxReceiveCount is the dead-letter reason for redelivery-capped messages.
const ReasonMaxReceiveCount = "max_receive_count_exceeded"

// DefaultWorkTimeout bounds the decode, submit and acknowledge steps of one
// cycle. It should stay below the queue visibility timeout.
const DefaultWorkTimeout = 30 * time.Second

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	Received       int
	DeadLettered   int
	DecodeFailures int
	Submitted      int
	Indexed        int
	Duplicates     int
	WriteFailures  int
	Acknowledged   int
	AckFailures    int
}

// Reconciler runs poll cycles: receive, decode, bulk write, and acknowledge
// exactly the messages whose write succeeded. It holds no per-cycle state and
// is safe for concurrent use.
type Reconciler struct {
	source source.Sourcer
	writer index.Writer

	duplicates      DuplicatePolicy
	deadLetter      DeadLetterer
	maxReceiveCount int

	leaseVisibilityTimeoutSec int32
	leaseRenewEvery           time.Duration

	workTimeout time.Duration
	ackRetry    RetryPolicy
	recorder    Recorder
	logger      zerolog.Logger
}

type ReconcilerOption func(*Reconciler)

func WithDuplicatePolicy(p DuplicatePolicy) ReconcilerOption {
	return func(r *Reconciler) { r.duplicates = p }
}

// WithDeadLetter routes messages delivered more than maxReceiveCount times to
// dl instead of the index. A maxReceiveCount below 1 disables routing.
func WithDeadLetter(dl DeadLetterer, maxReceiveCount int) ReconcilerOption {
	return func(r *Reconciler) {
		r.deadLetter = dl
		r.maxReceiveCount = maxReceiveCount
	}
}

// WithLease extends the visibility of in-flight messages every renewEvery
// while their batch is being written, if the source supports it.
func WithLease(visibilityTimeoutSec int32, renewEvery time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.leaseVisibilityTimeoutSec = visibilityTimeoutSec
		r.leaseRenewEvery = renewEvery
	}
}

func WithWorkTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.workTimeout = d
		}
	}
}

func WithAckRetryPolicy(p RetryPolicy) ReconcilerOption {
	return func(r *Reconciler) {
		if p != nil {
			r.ackRetry = p
		}
	}
}

func WithRecorder(rec Recorder) ReconcilerOption {
	return func(r *Reconciler) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithLogger(l zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

func NewReconciler(src source.Sourcer, w index.Writer, opts ...ReconcilerOption) (*Reconciler, error) {
	if src == nil {
		return nil, errors.New("source is nil")
	}
	if w == nil {
		return nil, errors.New("writer is nil")
	}

	r := &Reconciler{
		source:      src,
		writer:      w,
		workTimeout: DefaultWorkTimeout,
		ackRetry:    nopRetry{},
		recorder:    nopRecorder{},
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "Reconciler").Logger()
	return r, nil
}

// RunCycle executes one poll cycle.
//
// ctx governs the receive call only. Once messages are in hand the rest of the
// cycle runs detached from ctx cancellation, bounded by the work timeout, so a
// shutdown never strands indexed-but-unacknowledged messages.
//
// The returned error covers receive failures, batch submission failures and
// acknowledgement transport failures. Item-level problems are logged and
// counted in the report; they are retried by queue redelivery.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	start := time.Now()
	defer func() { r.recorder.CycleCompleted(time.Since(start)) }()

	msgs, err := r.source.Receive(ctx)
	if err != nil {
		return report, fmt.Errorf("receive: %w", err)
	}
	report.Received = len(msgs)
	if len(msgs) == 0 {
		return report, nil
	}
	r.recorder.MessagesReceived(len(msgs))

	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.workTimeout)
	defer cancel()

	var acks source.AckGroup

	msgs = r.routeDeadLetters(workCtx, msgs, &acks, &report)

	docs, pending := r.decode(msgs, &report)

	if len(docs) > 0 {
		if err := r.submit(workCtx, docs, pending, &acks, &report); err != nil {
			return report, err
		}
	}

	return report, r.acknowledge(workCtx, &acks, &report)
}

// routeDeadLetters archives over-delivered messages, adds the archived ones to
// acks, and returns the messages left for indexing.
func (r *Reconciler) routeDeadLetters(ctx context.Context, msgs []source.RawMessage, acks *source.AckGroup, report *CycleReport) []source.RawMessage {
	if r.deadLetter == nil || r.maxReceiveCount < 1 {
		return msgs
	}

	var poison []source.RawMessage
	keep := msgs[:0:0]
	for _, m := range msgs {
		if m.ReceiveCount > r.maxReceiveCount {
			poison = append(poison, m)
			continue
		}
		keep = append(keep, m)
	}
	if len(poison) == 0 {
		return msgs
	}

	if err := r.deadLetter.DeadLetter(ctx, poison, ReasonMaxReceiveCount); err != nil {
		for _, m := range poison {
			r.logger.Error().Err(err).Str("message_id", m.ID).Int("receive_count", m.ReceiveCount).
				Msg("dead letter archive failed, message left pending")
		}
		return keep
	}

	for _, m := range poison {
		acks.Add(m)
		r.logger.Warn().Str("message_id", m.ID).Int("receive_count", m.ReceiveCount).Msg("message dead-lettered")
	}
	report.DeadLettered = len(poison)
	r.recorder.DeadLettered(len(poison))
	return keep
}

// decode returns the documents to write and, at the same positions, the
// messages they came from.
func (r *Reconciler) decode(msgs []source.RawMessage, report *CycleReport) ([]index.Document, []source.RawMessage) {
	docs := make([]index.Document, 0, len(msgs))
	pending := make([]source.RawMessage, 0, len(msgs))

	for _, m := range msgs {
		ev, err := decoder.Decode(m)
		if err != nil {
			kind := "unknown"
			var de *decoder.DecodeError
			if errors.As(err, &de) {
				kind = de.Kind.String()
			}
			report.DecodeFailures++
			r.recorder.DecodeFailed(kind)
			r.logger.Warn().Err(err).Str("message_id", m.ID).Str("kind", kind).Int("receive_count", m.ReceiveCount).
				Msg("message not decodable, left for redelivery")
			continue
		}
		docs = append(docs, index.Document{ID: ev.ID, Body: ev.Body})
		pending = append(pending, m)
	}
	return docs, pending
}

func (r *Reconciler) submit(ctx context.Context, docs []index.Document, pending []source.RawMessage, acks *source.AckGroup, report *CycleReport) error {
	var inFlight source.AckGroup
	for _, m := range pending {
		inFlight.Add(m)
	}
	stopLease := r.startLease(ctx, &inFlight)
	defer stopLease()

	report.Submitted = len(docs)
	r.recorder.BatchSubmitted(len(docs))

	outcomes, err := r.writer.SubmitBatch(ctx, docs)
	if err == nil && len(outcomes) != len(docs) {
		err = &index.BatchSubmissionError{Err: fmt.Errorf("writer returned %d outcomes for %d documents", len(outcomes), len(docs))}
	}
	if err != nil {
		r.recorder.SubmissionFailed()
		r.logger.Error().Err(err).Int("documents", len(docs)).Int("received", report.Received).
			Msg("batch submission failed, no message acknowledged")
		return fmt.Errorf("submit batch: %w", err)
	}

	for i, o := range outcomes {
		m := pending[i]
		switch {
		case o.IsIndexed():
			report.Indexed++
			acks.Add(m)
		case o.Reason == index.AlreadyExists && r.duplicates == DuplicateAcknowledge:
			report.Duplicates++
			acks.Add(m)
			r.logger.Info().Str("message_id", m.ID).Str("document_id", docs[i].ID).
				Msg("document already indexed, acknowledging duplicate delivery")
		default:
			report.WriteFailures++
			r.recorder.WriteFailed(o.Reason.String())
			r.logger.Warn().Str("message_id", m.ID).Str("document_id", docs[i].ID).
				Str("reason", o.Reason.String()).Str("detail", o.Detail).Int("receive_count", m.ReceiveCount).
				Msg("document write failed, left for redelivery")
		}
	}
	r.recorder.DocumentsIndexed(report.Indexed)
	return nil
}

// acknowledge commits acks. When a retry policy is set, only entries that
// failed in transport are sent again; entries the source rejected are final.
func (r *Reconciler) acknowledge(ctx context.Context, acks *source.AckGroup, report *CycleReport) error {
	total := acks.Len()
	if total == 0 {
		return nil
	}

	var rejected []source.AckResult
	err := r.ackRetry.Do(ctx, func(ctx context.Context) error {
		metas := acks.Metas()
		results, err := acks.Commit(ctx, r.source)
		if len(results) != len(metas) {
			if err == nil {
				err = fmt.Errorf("source returned %d results for %d messages", len(results), len(metas))
			}
			return err
		}

		var retry []source.AckMetadata
		for i, res := range results {
			var ae *source.AcknowledgeError
			switch {
			case res.Err == nil:
			case errors.As(res.Err, &ae):
				rejected = append(rejected, res)
			default:
				retry = append(retry, metas[i])
			}
		}
		acks.Clear()
		for _, m := range retry {
			acks.AddMeta(m)
		}
		return err
	})

	report.AckFailures = len(rejected) + acks.Len()
	report.Acknowledged = total - report.AckFailures

	r.recorder.Acknowledged(report.Acknowledged)
	if report.AckFailures > 0 {
		r.recorder.AckFailed(report.AckFailures)
	}
	for _, f := range rejected {
		r.logger.Warn().Err(f.Err).Str("message_id", f.ID).Msg("acknowledge failed, message will be redelivered")
	}
	for _, m := range acks.Metas() {
		r.logger.Warn().Err(err).Str("message_id", m.ID).Msg("acknowledge not delivered, message will be redelivered")
	}

	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

// startLease keeps the visibility of the in-flight messages extended until the
// returned stop function is called. Failures are logged; the cycle carries on.
func (r *Reconciler) startLease(parent context.Context, inFlight *source.AckGroup) (stop func()) {
	if r.leaseRenewEvery <= 0 || inFlight.Len() == 0 {
		return func() {}
	}
	ext, ok := r.source.(source.VisibilityExtender)
	if !ok {
		return func() {}
	}
	metas := inFlight.Metas()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		t := time.NewTicker(r.leaseRenewEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := ext.ExtendVisibilityBatch(ctx, metas, r.leaseVisibilityTimeoutSec); err != nil && ctx.Err() == nil {
					r.logger.Warn().Err(err).Int("messages", len(metas)).Msg("visibility lease renewal failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
