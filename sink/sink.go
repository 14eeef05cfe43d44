package sink

import "context"

// WriteRequest is one object to store.
type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// Sinkr stores whole objects. Implementations must be safe for concurrent use.
type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}
