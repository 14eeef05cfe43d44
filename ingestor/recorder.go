package ingestor

import "time"

// Recorder observes cycle events. Implementations must be safe for concurrent
// use; the metrics package provides the Prometheus one.
type Recorder interface {
	MessagesReceived(n int)
	DecodeFailed(kind string)
	BatchSubmitted(docs int)
	SubmissionFailed()
	DocumentsIndexed(n int)
	WriteFailed(reason string)
	Acknowledged(n int)
	AckFailed(n int)
	DeadLettered(n int)
	CycleCompleted(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) MessagesReceived(int)         {}
func (nopRecorder) DecodeFailed(string)          {}
func (nopRecorder) BatchSubmitted(int)           {}
func (nopRecorder) SubmissionFailed()            {}
func (nopRecorder) DocumentsIndexed(int)         {}
func (nopRecorder) WriteFailed(string)           {}
func (nopRecorder) Acknowledged(int)             {}
func (nopRecorder) AckFailed(int)                {}
func (nopRecorder) DeadLettered(int)             {}
func (nopRecorder) CycleCompleted(time.Duration) {}
