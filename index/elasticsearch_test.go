package index

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu sync.Mutex

	status int
	body   string
	err    error

	calls    int
	lastReq  *http.Request
	lastBody []byte
}

func (f *fakeTransport) Perform(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.lastReq = req
	if req.Body != nil {
		f.lastBody, _ = io.ReadAll(req.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func docs(ids ...string) []Document {
	out := make([]Document, len(ids))
	for i, id := range ids {
		out[i] = Document{ID: id, Body: []byte(`{"id":"` + id + `"}`)}
	}
	return out
}

const mixedResponse = `{"took":3,"errors":true,"items":[
 {"create":{"_index":"published-songs","_id":"s1","status":201,"result":"created"}},
 {"create":{"_index":"published-songs","_id":"s2","status":409,"error":{"type":"version_conflict_engine_exception","reason":"[s2]: version conflict, document already exists"}}},
 {"create":{"_index":"published-songs","_id":"s3","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse"}}}
]}`

func TestElasticsearchWriter_SubmitBatch_PositionalOutcomes(t *testing.T) {
	tr := &fakeTransport{body: mixedResponse}
	w := NewElasticsearchWriter(tr, "")

	out, err := w.SubmitBatch(context.Background(), docs("s1", "s2", "s3"))
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.True(t, out[0].IsIndexed())
	assert.Equal(t, Failed, out[1].Status)
	assert.Equal(t, AlreadyExists, out[1].Reason)
	assert.Equal(t, Failed, out[2].Status)
	assert.Equal(t, Rejected, out[2].Reason)
	assert.Contains(t, out[2].Detail, "mapper_parsing_exception")
}

func TestElasticsearchWriter_SubmitBatch_RequestShape(t *testing.T) {
	tr := &fakeTransport{body: `{"took":1,"errors":false,"items":[{"create":{"_id":"s1","status":201}},{"create":{"_id":"s2","status":201}}]}`}
	w := NewElasticsearchWriter(tr, "songs", WithRefresh("wait_for"))

	in := []Document{
		{ID: "s1", Body: []byte(`{"id":"s1","title":"a"}`)},
		{ID: "s2", Body: []byte("{\n  \"id\": \"s2\"\n}")},
	}
	_, err := w.SubmitBatch(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, tr.lastReq.Method)
	assert.Equal(t, "/songs/_bulk", tr.lastReq.URL.Path)
	assert.Equal(t, "wait_for", tr.lastReq.URL.Query().Get("refresh"))

	lines := strings.Split(strings.TrimSuffix(string(tr.lastBody), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"create":{"_id":"s1"}}`, lines[0])
	assert.Equal(t, `{"id":"s1","title":"a"}`, lines[1], "single-line sources are sent verbatim")
	assert.JSONEq(t, `{"create":{"_id":"s2"}}`, lines[2])
	assert.Equal(t, `{"id":"s2"}`, lines[3])
}

func TestElasticsearchWriter_SubmitBatch_TransportError(t *testing.T) {
	boom := errors.New("connection refused")
	w := NewElasticsearchWriter(&fakeTransport{err: boom}, "")

	out, err := w.SubmitBatch(context.Background(), docs("s1"))
	assert.Nil(t, out)

	var bse *BatchSubmissionError
	require.ErrorAs(t, err, &bse)
	assert.ErrorIs(t, err, boom)
}

func TestElasticsearchWriter_SubmitBatch_HTTPError(t *testing.T) {
	w := NewElasticsearchWriter(&fakeTransport{status: http.StatusServiceUnavailable, body: `{"error":"unavailable"}`}, "")

	_, err := w.SubmitBatch(context.Background(), docs("s1"))
	var bse *BatchSubmissionError
	require.ErrorAs(t, err, &bse)
	assert.Equal(t, http.StatusServiceUnavailable, bse.StatusCode)
}

func TestElasticsearchWriter_SubmitBatch_ItemCountMismatch(t *testing.T) {
	w := NewElasticsearchWriter(&fakeTransport{body: `{"errors":false,"items":[{"create":{"_id":"s1","status":201}}]}`}, "")

	_, err := w.SubmitBatch(context.Background(), docs("s1", "s2"))
	var bse *BatchSubmissionError
	require.ErrorAs(t, err, &bse)
}

func TestElasticsearchWriter_SubmitBatch_UndecodableResponse(t *testing.T) {
	w := NewElasticsearchWriter(&fakeTransport{body: `not json`}, "")

	_, err := w.SubmitBatch(context.Background(), docs("s1"))
	var bse *BatchSubmissionError
	require.ErrorAs(t, err, &bse)
}

func TestElasticsearchWriter_SubmitBatch_EmptyIsNoop(t *testing.T) {
	tr := &fakeTransport{}
	w := NewElasticsearchWriter(tr, "")

	out, err := w.SubmitBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Zero(t, tr.calls)
}

func TestElasticsearchWriter_CircuitBreakerOpens(t *testing.T) {
	tr := &fakeTransport{err: errors.New("down")}
	st := DefaultBreakerSettings()
	st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 }
	w := NewElasticsearchWriter(tr, "", WithCircuitBreaker(st))

	for i := 0; i < 2; i++ {
		_, err := w.SubmitBatch(context.Background(), docs("s1"))
		require.Error(t, err)
	}
	require.Equal(t, 2, tr.calls)

	_, err := w.SubmitBatch(context.Background(), docs("s1"))
	var bse *BatchSubmissionError
	require.ErrorAs(t, err, &bse)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, tr.calls, "open breaker must not reach the cluster")
}

func TestEncodeBulkBody_RejectsEmptyID(t *testing.T) {
	_, err := encodeBulkBody([]Document{{ID: "", Body: []byte(`{}`)}})
	assert.Error(t, err)
}

func TestElasticsearchWriter_SubmitBatch_MultilineSourcesKeepLineCount(t *testing.T) {
	in := []Document{
		{ID: "s1", Body: []byte(`{"id":"s1"}`)},
		{ID: "s2", Body: []byte("{\n  \"id\": \"s2\"\n}")},
		{ID: "s3", Body: []byte(`{"id":"s3"}`)},
		{ID: "s4", Body: []byte("{\r\n  \"id\": \"s4\",\r\n  \"title\": \"a b\"\r\n}")},
	}
	tr := &fakeTransport{body: `{"took":1,"errors":false,"items":[` +
		`{"create":{"_id":"s1","status":201}},{"create":{"_id":"s2","status":201}},` +
		`{"create":{"_id":"s3","status":201}},{"create":{"_id":"s4","status":201}}]}`}
	w := NewElasticsearchWriter(tr, "")

	_, err := w.SubmitBatch(context.Background(), in)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(tr.lastBody), "\n"), "\n")
	require.Len(t, lines, 2*len(in))
	for i, d := range in {
		assert.JSONEq(t, `{"create":{"_id":"`+d.ID+`"}}`, lines[2*i])
		assert.JSONEq(t, string(d.Body), lines[2*i+1])
	}
	assert.Equal(t, `{"id":"s4","title":"a b"}`, lines[7])
}

func TestElasticsearchWriter_TimeoutSetsRequestDeadline(t *testing.T) {
	tr := &fakeTransport{body: `{"took":1,"errors":false,"items":[{"create":{"_id":"s1","status":201}}]}`}
	w := NewElasticsearchWriter(tr, "", WithTimeout(5*time.Second))

	start := time.Now()
	_, err := w.SubmitBatch(context.Background(), docs("s1"))
	require.NoError(t, err)

	deadline, ok := tr.lastReq.Context().Deadline()
	require.True(t, ok, "bulk request carries no deadline")
	assert.WithinDuration(t, start.Add(5*time.Second), deadline, time.Second)
	assert.Empty(t, tr.lastReq.URL.Query().Get("timeout"))
}

func TestElasticsearchWriter_NoTimeoutKeepsCallerContext(t *testing.T) {
	tr := &fakeTransport{body: `{"took":1,"errors":false,"items":[{"create":{"_id":"s1","status":201}}]}`}
	w := NewElasticsearchWriter(tr, "")

	_, err := w.SubmitBatch(context.Background(), docs("s1"))
	require.NoError(t, err)

	_, ok := tr.lastReq.Context().Deadline()
	assert.False(t, ok)
}

func TestEncodeBulkBody_RejectsInvalidMultilineJSON(t *testing.T) {
	_, err := encodeBulkBody([]Document{{ID: "x", Body: []byte("{\n")}})
	assert.Error(t, err)
}

func TestWriteOutcome_String(t *testing.T) {
	assert.Equal(t, "indexed", IndexedOutcome().String())
	assert.Equal(t, "failed(already_exists)", FailedOutcome(AlreadyExists, "").String())
	assert.True(t, bytes.Contains([]byte(FailedOutcome(Rejected, "boom").String()), []byte("boom")))
}
