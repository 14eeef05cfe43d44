// Package deadletter archives poison messages so they can be removed from the
// queue without being lost.
//
// One parquet object is written per call; messages are only acknowledged by
// the caller after the object has been stored.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/koliambus/catalog-discovery/encoder"
	"github.com/koliambus/catalog-discovery/sink"
	"github.com/koliambus/catalog-discovery/source"
)

// Record is one archived message.
type Record struct {
	MessageID      string `parquet:"message_id"`
	ReceiveCount   int64  `parquet:"receive_count"`
	Reason         string `parquet:"reason"`
	Body           string `parquet:"body"`
	DeadLetteredAt int64  `parquet:"dead_lettered_at_ms"`
}

// KeyFunc builds the object key for an archive written at now.
type KeyFunc func(now time.Time) string

// DefaultKeyFunc partitions by hour and adds a random suffix so concurrent
// workers never collide.
func DefaultKeyFunc(ext string) KeyFunc {
	if ext == "" || ext[0] != '.' {
		ext = ".bin"
	}
	return func(now time.Time) string {
		now = now.UTC()
		return fmt.Sprintf("%04d/%02d/%02d/%02d/%d-%s%s",
			now.Year(), int(now.Month()), now.Day(), now.Hour(), now.UnixNano(), uuid.NewString(), ext,
		)
	}
}

// Archiver writes poison messages to a sink.
type Archiver struct {
	sink    sink.Sinkr
	encoder encoder.Encoder[Record]
	keyFunc KeyFunc
	now     func() time.Time
	logger  zerolog.Logger
}

func NewArchiver(s sink.Sinkr, enc encoder.Encoder[Record], logger zerolog.Logger) (*Archiver, error) {
	if s == nil {
		return nil, errors.New("sink is nil")
	}
	if enc == nil {
		return nil, errors.New("encoder is nil")
	}
	return &Archiver{
		sink:    s,
		encoder: enc,
		keyFunc: DefaultKeyFunc(enc.FileExtension()),
		now:     time.Now,
		logger:  logger.With().Str("component", "DeadLetterArchiver").Logger(),
	}, nil
}

// DeadLetter stores msgs in a single object. Nothing is written for an empty
// slice.
func (a *Archiver) DeadLetter(ctx context.Context, msgs []source.RawMessage, reason string) error {
	if len(msgs) == 0 {
		return nil
	}

	now := a.now()
	records := make([]Record, len(msgs))
	for i, m := range msgs {
		records[i] = Record{
			MessageID:      m.ID,
			ReceiveCount:   int64(m.ReceiveCount),
			Reason:         reason,
			Body:           string(m.Body),
			DeadLetteredAt: now.UnixMilli(),
		}
	}

	data, err := a.encoder.Encode(ctx, records)
	if err != nil {
		return fmt.Errorf("encode dead letters: %w", err)
	}

	key := a.keyFunc(now)
	req := sink.WriteRequest{
		Key:         key,
		Data:        data,
		ContentType: a.encoder.ContentType(),
		Metadata: map[string]string{
			"records": strconv.Itoa(len(records)),
			"reason":  reason,
		},
	}
	if err := a.sink.Write(ctx, req); err != nil {
		return fmt.Errorf("write dead letters: %w", err)
	}

	a.logger.Info().Str("key", key).Int("records", len(records)).Str("reason", reason).Msg("dead letters archived")
	return nil
}
