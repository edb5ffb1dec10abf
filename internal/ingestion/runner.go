package ingestion

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Processor is the part of the core the runner drives
type Processor interface {
	Process(cmd core.Command) (core.Outcome, error)
}

// Runner is the ingestion shell: it parses raw commands and hands them to
// the processor one at a time. The processor is only ever called from Run.
type Runner struct {
	proc    Processor
	in      <-chan RawCommand
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRunner(proc Processor, in <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *Runner {
	return &Runner{proc: proc, in: in, metrics: metrics, logger: logger}
}

// Run processes commands until ctx is done or the input closes
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.in:
			if !ok {
				return nil
			}
			r.handle(raw)
		}
	}
}

func (r *Runner) handle(raw RawCommand) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		r.logger.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping unparseable command")
		if r.metrics != nil {
			r.metrics.CommandsRejected.WithLabelValues(raw.CommandType, "parse").Inc()
		}
		call(raw.TermFunc)
		return
	}

	outcome, err := r.proc.Process(cmd)
	if err != nil {
		r.logger.Warn().
			Str("command_type", cmd.CommandType().String()).
			Str("key", cmd.Meta().Key).
			Err(err).
			Msg("command not consumed, requesting redelivery")
		call(raw.NakFunc)
		return
	}

	call(raw.AckFunc)
	if r.metrics != nil && !raw.Received.IsZero() {
		r.metrics.IngestToApply.WithLabelValues(cmd.CommandType().String()).Observe(time.Since(raw.Received).Seconds())
	}
	r.logger.Debug().
		Str("command_type", cmd.CommandType().String()).
		Str("key", cmd.Meta().Key).
		Str("outcome", outcome.String()).
		Msg("command processed")
}

func call(f func()) {
	if f != nil {
		f()
	}
}
