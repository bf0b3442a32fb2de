// Package metrics records pipeline metrics.
package metrics

import "time"

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Delivery outcomes.
const (
	OutcomeAck        = "ack"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeDuplicate  = "duplicate"
	OutcomeSkipped    = "skipped"
)

// Recorder is implemented by PrometheusRecorder and NoopRecorder.
type Recorder interface {
	IncSubmission(result string)
	ObserveStage(stage string, d time.Duration, success bool)
	ObserveBatch(size int)
	IncDelivery(outcome string)
	ObserveServe(code int, d time.Duration)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncSubmission(string) {}
func (NoopRecorder) ObserveStage(string, time.Duration, bool) {}
func (NoopRecorder) ObserveBatch(int) {}
func (NoopRecorder) IncDelivery(string) {}
func (NoopRecorder) ObserveServe(int, time.Duration) {}

func result(success bool) string {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}
