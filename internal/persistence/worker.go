package persistence

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Store durably writes one flush worth of rows
type Store interface {
	Write(ctx context.Context, rows *Rows) error
}

// EventSink receives events once their command is durable
type EventSink interface {
	Enqueue(envs []event.Envelope)
}

// PostgresStore writes rows in a single transaction
type PostgresStore struct {
	db      *sql.DB
	writer  *Writer
	metrics *observability.Metrics
}

func NewPostgresStore(db *sql.DB, metrics *observability.Metrics) *PostgresStore {
	return &PostgresStore{db: db, writer: NewWriter(), metrics: metrics}
}

func (s *PostgresStore) Write(ctx context.Context, rows *Rows) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := s.writer.WriteAll(ctx, tx, rows); err != nil {
		s.countError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		s.countError("tx_commit")
		return err
	}
	return nil
}

func (s *PostgresStore) countError(kind string) {
	if s.metrics != nil {
		s.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The processor sends on this channel blocking, so if the worker falls
// behind the processor stalls and no command is lost.
type PersistenceWorker struct {
	store        Store
	inputChan    <-chan core.Output
	sink         EventSink
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	store Store,
	inputChan <-chan core.Output,
	sink EventSink,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		store:        store,
		inputChan:    inputChan,
		sink:         sink,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

type pendingBatch struct {
	rows    Rows
	events  []event.Envelope
	lastSeq int64
	oldest  time.Time
}

func (pb *pendingBatch) add(out core.Output) {
	if pb.rows.Len() == 0 {
		pb.oldest = time.Now()
	}
	pb.rows.Append(out)
	pb.events = append(pb.events, out.Events...)
	pb.lastSeq = out.Command.Sequence
}

func (pb *pendingBatch) reset() {
	pb.rows.Reset()
	pb.events = nil
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the input
// closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	var batch pendingBatch

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if batch.rows.Len() > 0 {
				if err := pw.flush(context.Background(), &batch); err != nil {
					pw.logger.Error().Err(err).Int("commands", batch.rows.Len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.rows.Len() > 0 {
					if err := pw.flush(context.Background(), &batch); err != nil {
						pw.logger.Error().Err(err).Int("commands", batch.rows.Len()).Msg("final flush failed")
						return err
					}
				}
				return nil
			}

			batch.add(output)
			if batch.rows.Len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, &batch); err != nil {
					return err
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.rows.Len() > 0 {
				if err := pw.flushWithRetry(ctx, &batch); err != nil {
					return err
				}
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The batch is never dropped.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("commands", batch.rows.Len()).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// One last attempt so the batch is not lost on shutdown
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, pw.maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// flush writes the batch and, once committed, hands its events to the sink
func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()
	if err := pw.store.Write(ctx, &batch.rows); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.ApplyToPersist.Observe(time.Since(batch.oldest).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(batch.rows.Len()))
		pw.metrics.PersistCommandsWritten.Add(float64(len(batch.rows.Commands)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.rows.Events)))
		pw.metrics.PersistDeltasWritten.Add(float64(len(batch.rows.Deltas)))
		pw.metrics.PersistLastSequence.Set(float64(batch.lastSeq))
	}

	if pw.sink != nil && len(batch.events) > 0 {
		pw.sink.Enqueue(batch.events)
	}
	batch.reset()
	return nil
}
