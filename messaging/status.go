package messaging

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-host/internal/metrics"
)

// Status is the outcome of one delivery.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
	StatusDropped   Status = "dropped"
)

// MessageStatus describes how a delivery was resolved.
type MessageStatus struct {
	Queue       string
	MessageID   string
	DeliveryTag uint64
	Status      Status
	Err         error
	Requeue     bool
	Duration    time.Duration
}

// StatusReporter receives one MessageStatus per resolved delivery.
type StatusReporter interface {
	Report(status MessageStatus)
}

// StatusReporterFunc is a function adapter for StatusReporter
type StatusReporterFunc func(status MessageStatus)

// Report implements StatusReporter
func (f StatusReporterFunc) Report(status MessageStatus) {
	f(status)
}

// NewLogStatusReporter reports statuses to logger.
func NewLogStatusReporter(logger *slog.Logger) StatusReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &logStatusReporter{logger: logger}
}

type logStatusReporter struct {
	logger *slog.Logger
}

func (r *logStatusReporter) Report(s MessageStatus) {
	switch s.Status {
	case StatusProcessed:
		r.logger.Debug("message processed",
			"queue", s.Queue,
			"messageId", s.MessageID,
			"deliveryTag", s.DeliveryTag,
			"duration", s.Duration)
	case StatusError:
		r.logger.Error("message processing failed",
			"queue", s.Queue,
			"messageId", s.MessageID,
			"deliveryTag", s.DeliveryTag,
			"requeue", s.Requeue,
			"error", s.Err)
	case StatusDropped:
		r.logger.Warn("message dropped",
			"queue", s.Queue,
			"messageId", s.MessageID,
			"deliveryTag", s.DeliveryTag,
			"error", s.Err)
	}
}

// NewMetricsStatusReporter records statuses on the collector.
func NewMetricsStatusReporter(m *metrics.Collector) StatusReporter {
	return StatusReporterFunc(func(s MessageStatus) {
		m.MessageResolved(s.Queue, string(s.Status), s.Duration)
	})
}

// MultiStatusReporter fans a status out to several reporters.
func MultiStatusReporter(reporters ...StatusReporter) StatusReporter {
	return StatusReporterFunc(func(s MessageStatus) {
		for _, r := range reporters {
			if r != nil {
				r.Report(s)
			}
		}
	})
}
