// Package decoder turns queue messages into song events ready for indexing.
//
// Decoding validates structure only: the message body is kept byte-for-byte and
// becomes the indexed document, so re-indexing a redelivered message is
// content-identical to the first write.
package decoder

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/koliambus/catalog-discovery/source"
)

var errInvalidJSON = errors.New("body is not valid JSON")

// IDField is the body field that carries the document identifier.
const IDField = "id"

// Kind classifies a decode failure.
type Kind int

const (
	MalformedBody Kind = iota + 1
	MissingIdentifier
)

func (k Kind) String() string {
	switch k {
	case MalformedBody:
		return "malformed_body"
	case MissingIdentifier:
		return "missing_identifier"
	default:
		return "unknown"
	}
}

// DecodeError reports why a message could not become a SongEvent.
type DecodeError struct {
	Kind      Kind
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message %s: %s: %v", e.MessageID, e.Kind, e.Err)
	}
	return fmt.Sprintf("decode message %s: %s", e.MessageID, e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SongEvent is a decoded "song published" event.
type SongEvent struct {
	ID   string
	Body []byte
}

// Decode parses the message body as a JSON object and extracts its id.
//
// The id must be a non-empty string; a JSON number is accepted and its literal
// text is used. The returned Body aliases msg.Body.
func Decode(msg source.RawMessage) (SongEvent, error) {
	// goccy accepts some non-RFC 8259 input, such as numbers with leading zeros.
	if !stdjson.Valid(msg.Body) {
		return SongEvent{}, &DecodeError{Kind: MalformedBody, MessageID: msg.ID, Err: errInvalidJSON}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.Body, &fields); err != nil {
		return SongEvent{}, &DecodeError{Kind: MalformedBody, MessageID: msg.ID, Err: err}
	}
	if fields == nil {
		// literal null
		return SongEvent{}, &DecodeError{Kind: MalformedBody, MessageID: msg.ID}
	}

	raw, ok := fields[IDField]
	if !ok {
		return SongEvent{}, &DecodeError{Kind: MissingIdentifier, MessageID: msg.ID}
	}

	id, err := identifier(raw)
	if err != nil {
		return SongEvent{}, &DecodeError{Kind: MissingIdentifier, MessageID: msg.ID, Err: err}
	}

	return SongEvent{ID: id, Body: msg.Body}, nil
}

func identifier(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty %s", IDField)
	}

	switch {
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		if s == "" {
			return "", fmt.Errorf("empty %s", IDField)
		}
		return s, nil
	case raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'):
		if !stdjson.Valid(raw) {
			return "", fmt.Errorf("%s %s is not a valid JSON number", IDField, raw)
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", fmt.Errorf("%s must be a string, got %s", IDField, raw)
	}
}
