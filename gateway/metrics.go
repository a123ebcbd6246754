package gateway

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type mutationMetrics struct {
	logger     *log.Logger
	op         string
	resourceID string
	start      time.Time
	errorStage string
}

func newMutationMetrics(logger *log.Logger, op, resourceID string) *mutationMetrics {
	return &mutationMetrics{
		logger:     logger,
		op:         op,
		resourceID: resourceID,
		start:      time.Now(),
	}
}

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *mutationMetrics) Log(err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"op":       m.op,
		"resource": m.resourceID,
		"total_ms": float64(time.Since(m.start)) / float64(time.Millisecond),
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("mutation.metrics")
		return
	}
	m.logger.WithFields(fields).Debug("mutation.metrics")
}
