package projection

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Projector applies one command's output to a read model
type Projector interface {
	Apply(ctx context.Context, out core.Output) error
}

// ProjectionWorker updates the read model from processor outputs.
// The projection channel is non-blocking with drop; a read model that
// fell behind is rebuilt by replaying the command log.
type ProjectionWorker struct {
	projector Projector
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(projector Projector, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	pw := &ProjectionWorker{
		projector: projector,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.handle(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, output core.Output) {
	seq := output.Command.Sequence
	last := pw.lastSeq.Load()
	if seq <= last {
		return
	}
	if last >= 0 && seq != last+1 {
		pw.logger.Warn().Int64("last", last).Int64("sequence", seq).
			Msg("projection skipped sequences, read model is stale until rebuilt")
	}

	start := time.Now()
	if err := pw.projector.Apply(ctx, output); err != nil {
		// Continue: projections are eventually consistent
		pw.logger.Warn().Int64("sequence", seq).Err(err).Msg("projection update failed")
		if pw.metrics != nil {
			pw.metrics.ProjectionDrops.WithLabelValues("redis_error").Inc()
		}
	} else if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}

	pw.lastSeq.Store(seq)
}

// LastSequence returns the last sequence handed to the projector
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// ResumeFrom skips outputs up to and including seq, which the read model
// already holds. Must be called before Run.
func (pw *ProjectionWorker) ResumeFrom(seq int64) {
	pw.lastSeq.Store(seq)
}
