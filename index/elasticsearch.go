package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// DefaultIndexName is the index the published songs are written to.
const DefaultIndexName = "published-songs"

const versionConflict = "version_conflict_engine_exception"

// ElasticsearchWriter writes documents through the _bulk API using the create
// action, so existing ids are rejected per item instead of overwritten.
//
// The transport is any esapi.Transport; *elasticsearch.Client satisfies it.
type ElasticsearchWriter struct {
	transport esapi.Transport
	index     string
	refresh   string
	timeout   time.Duration

	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

type Option func(*ElasticsearchWriter)

// WithRefresh sets the bulk refresh parameter ("true", "false", "wait_for").
func WithRefresh(v string) Option {
	return func(w *ElasticsearchWriter) { w.refresh = v }
}

// WithTimeout sets a client-side deadline on each bulk request, covering the
// round trip and reading the response.
func WithTimeout(d time.Duration) Option {
	return func(w *ElasticsearchWriter) { w.timeout = d }
}

// WithLogger sets the writer logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *ElasticsearchWriter) { w.logger = l }
}

// WithCircuitBreaker trips after repeated transport-level failures so that
// cycles fail fast while the cluster is unavailable. Item-level failures do
// not count against the breaker.
func WithCircuitBreaker(st gobreaker.Settings) Option {
	return func(w *ElasticsearchWriter) {
		if st.Name == "" {
			st.Name = "elasticsearch-bulk"
		}
		w.breaker = gobreaker.NewCircuitBreaker(st)
	}
}

// DefaultBreakerSettings opens after 5 consecutive failed bulk requests and
// half-opens after 30s.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "elasticsearch-bulk",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
}

func NewElasticsearchWriter(transport esapi.Transport, index string, opts ...Option) *ElasticsearchWriter {
	if transport == nil {
		panic("elasticsearch transport is required")
	}
	if strings.TrimSpace(index) == "" {
		index = DefaultIndexName
	}
	w := &ElasticsearchWriter{
		transport: transport,
		index:     index,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "ElasticsearchWriter").Str("index", w.index).Logger()
	return w
}

// Index returns the target index name.
func (w *ElasticsearchWriter) Index() string { return w.index }

func (w *ElasticsearchWriter) SubmitBatch(ctx context.Context, docs []Document) ([]WriteOutcome, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	body, err := encodeBulkBody(docs)
	if err != nil {
		return nil, &BatchSubmissionError{Err: err}
	}

	if w.breaker == nil {
		return w.doBulk(ctx, body, len(docs))
	}

	var outcomes []WriteOutcome
	_, err = w.breaker.Execute(func() (any, error) {
		var doErr error
		outcomes, doErr = w.doBulk(ctx, body, len(docs))
		return nil, doErr
	})
	if err != nil {
		var bse *BatchSubmissionError
		if errors.As(err, &bse) {
			return nil, err
		}
		// open or half-open breaker
		return nil, &BatchSubmissionError{Err: err}
	}
	return outcomes, nil
}

func (w *ElasticsearchWriter) doBulk(ctx context.Context, body []byte, n int) ([]WriteOutcome, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	req := esapi.BulkRequest{
		Index:   w.index,
		Body:    bytes.NewReader(body),
		Refresh: w.refresh,
	}

	res, err := req.Do(ctx, w.transport)
	if err != nil {
		return nil, &BatchSubmissionError{Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &BatchSubmissionError{StatusCode: res.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(msg))}
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &BatchSubmissionError{StatusCode: res.StatusCode, Err: fmt.Errorf("decode bulk response: %w", err)}
	}

	outcomes, err := parsed.outcomes(n)
	if err != nil {
		return nil, &BatchSubmissionError{StatusCode: res.StatusCode, Err: err}
	}
	w.logger.Debug().Int("items", n).Int64("took_ms", parsed.Took).Bool("errors", parsed.Errors).Msg("bulk request done")
	return outcomes, nil
}

type bulkAction struct {
	Create bulkActionMeta `json:"create"`
}

type bulkActionMeta struct {
	ID string `json:"_id"`
}

// encodeBulkBody renders the NDJSON bulk payload. Sources spanning several
// lines are compacted since the bulk format is line delimited.
func encodeBulkBody(docs []Document) ([]byte, error) {
	size := 0
	for _, d := range docs {
		size += len(d.Body) + len(d.ID) + 24
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	var scratch bytes.Buffer

	for _, d := range docs {
		if d.ID == "" {
			return nil, errors.New("document with empty id")
		}
		action, err := json.Marshal(bulkAction{Create: bulkActionMeta{ID: d.ID}})
		if err != nil {
			return nil, err
		}
		buf.Write(action)
		buf.WriteByte('\n')

		if bytes.ContainsAny(d.Body, "\r\n") {
			// Compact into scratch: goccy's Compact re-emits dst's existing
			// contents, which would duplicate earlier lines.
			scratch.Reset()
			if err := json.Compact(&scratch, d.Body); err != nil {
				return nil, fmt.Errorf("compact document %s: %w", d.ID, err)
			}
			buf.Write(scratch.Bytes())
		} else {
			buf.Write(d.Body)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Took   int64                     `json:"took"`
	Errors bool                      `json:"errors"`
	Items  []map[string]bulkItemResp `json:"items"`
}

type bulkItemResp struct {
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *bulkError `json:"error,omitempty"`
}

type bulkError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// outcomes maps response items to outcomes by position.
func (r bulkResponse) outcomes(n int) ([]WriteOutcome, error) {
	if len(r.Items) != n {
		return nil, fmt.Errorf("bulk response has %d items for %d documents", len(r.Items), n)
	}

	out := make([]WriteOutcome, n)
	for i, item := range r.Items {
		if len(item) != 1 {
			return nil, fmt.Errorf("bulk response item %d has %d actions", i, len(item))
		}
		for _, it := range item {
			out[i] = it.outcome()
		}
	}
	return out, nil
}

func (it bulkItemResp) outcome() WriteOutcome {
	if it.Error == nil && it.Status >= 200 && it.Status < 300 {
		return IndexedOutcome()
	}
	if it.Status == http.StatusConflict || (it.Error != nil && it.Error.Type == versionConflict) {
		return FailedOutcome(AlreadyExists, it.errorText())
	}
	return FailedOutcome(Rejected, it.errorText())
}

func (it bulkItemResp) errorText() string {
	if it.Error == nil {
		return fmt.Sprintf("status %d", it.Status)
	}
	return it.Error.Type + ": " + it.Error.Reason
}
