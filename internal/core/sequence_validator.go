package core

import (
	"PerpSettle/internal/apperr"
	"PerpSettle/internal/observability"
	"fmt"
)

var (
	ErrSequenceGap = apperr.New(apperr.KindPrecondition, "sequence_gap", "source sequence gap")
	ErrOutOfOrder  = apperr.New(apperr.KindPrecondition, "out_of_order", "out-of-order command")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe: only accessed from the single-threaded processor.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks source sequence ordering. A stale sequence is
// accepted only for a known duplicate.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)

	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil

	default:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// ValidateFeedSequence validates oracle feeds, where gaps are tolerated and
// stale updates are ignored. Reports whether the update should be applied.
func (sv *SequenceValidator) ValidateFeedSequence(partition string, feedSequence int64) bool {
	expected := sv.expectedNextSeq[partition]

	if feedSequence < expected {
		return false
	}
	if feedSequence > expected && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}

	sv.expectedNextSeq[partition] = feedSequence + 1
	return true
}

// ExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) ExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}
