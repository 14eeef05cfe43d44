package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koliambus/catalog-discovery/ingestor"
)

var _ ingestor.Recorder = (*Metrics)(nil)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("test")

	m.MessagesReceived(3)
	m.BatchSubmitted(2)
	m.DocumentsIndexed(1)
	m.Acknowledged(1)
	m.AckFailed(2)
	m.DeadLettered(4)
	m.SubmissionFailed()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.messagesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.documentsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.documentsIndexed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acknowledged))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ackFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.deadLettered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissionFailed))
}

func TestMetrics_LabelledCounters(t *testing.T) {
	m := NewMetrics("test")

	m.DecodeFailed("malformed_body")
	m.DecodeFailed("malformed_body")
	m.DecodeFailed("missing_identifier")
	m.WriteFailed("already_exists")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decodeFailures.WithLabelValues("malformed_body")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeFailures.WithLabelValues("missing_identifier")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeFailures.WithLabelValues("already_exists")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.writeFailures.WithLabelValues("rejected")))
}

func TestMetrics_Histograms(t *testing.T) {
	m := NewMetrics("test")

	m.CycleCompleted(120 * time.Millisecond)
	m.BatchSubmitted(10)

	assert.Equal(t, 1, testutil.CollectAndCount(m.cycleDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.batchSize))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("song_indexer")
	m.MessagesReceived(5)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "song_indexer_messages_received_total 5"))
	assert.Contains(t, string(body), "go_goroutines")
}
