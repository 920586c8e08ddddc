package persistence

import (
	"MemePerp/internal/event"
	"MemePerp/internal/ledger"
	"MemePerp/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize    = 500
	DefaultFlushTimeout = 200 * time.Millisecond
)

// Store is what the worker writes through. *Writer implements it.
type Store interface {
	Write(ctx context.Context, r *Records) (map[string]int, error)
}

// Worker drains the persist channel and the journal sink and batch-writes
// to Postgres. It runs independently of the market workers. Producers send
// to it blocking, so if it falls behind they stall and no record is lost.
type Worker struct {
	store        Store
	events       <-chan event.Envelope
	journals     <-chan *ledger.Batch
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
}

func NewWorker(
	store Store,
	events <-chan event.Envelope,
	journals <-chan *ledger.Batch,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	return &Worker{
		store:        store,
		events:       events,
		journals:     journals,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		metrics:      metrics,
		log:          logger,
	}
}

// Run batches incoming records and flushes when the batch is full or the
// flush timeout expires. On shutdown the pending batch is flushed once more
// with a fresh context. Returns when ctx is cancelled or both inputs are
// closed.
func (pw *Worker) Run(ctx context.Context) error {
	var batch Records

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	events, journals := pw.events, pw.journals
	for events != nil || journals != nil {
		select {
		case <-ctx.Done():
			pw.finalFlush(&batch)
			return nil

		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			batch.Add(env)

		case b, ok := <-journals:
			if !ok {
				journals = nil
				continue
			}
			batch.Journals = append(batch.Journals, b.Journals...)

		case <-timer.C:
			if batch.Len() > 0 {
				pw.flushWithRetry(ctx, &batch)
			}
			timer.Reset(pw.flushTimeout)
			continue
		}

		if batch.Len() >= pw.batchSize {
			pw.flushWithRetry(ctx, &batch)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pw.flushTimeout)
		}
	}

	pw.finalFlush(&batch)
	return nil
}

func (pw *Worker) finalFlush(batch *Records) {
	if batch.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pw.flush(ctx, batch); err != nil {
		pw.log.Error().Err(err).Int("records", batch.Len()).Msg("final flush failed")
	}
	batch.Reset()
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made on shutdown.
// The batch is never dropped while the worker runs.
func (pw *Worker) flushWithRetry(ctx context.Context, batch *Records) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("records", batch.Len()).Msg("persistence retry")
			select {
			case <-ctx.Done():
				pw.finalFlush(batch)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			batch.Reset()
			return
		}
		pw.log.Error().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

func (pw *Worker) flush(ctx context.Context, batch *Records) error {
	start := time.Now()
	written, err := pw.store.Write(ctx, batch)
	if err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		for table, n := range written {
			pw.metrics.PersistRecordsWritten.WithLabelValues(table).Add(float64(n))
		}
	}
	return nil
}

// JournalSink forwards applied ledger batches to the worker. It implements
// ledger.JournalSink. AppendBatch blocks while the channel is full and gives
// up once Close is called, so a stopped worker cannot wedge the ledger.
type JournalSink struct {
	ch   chan *ledger.Batch
	done chan struct{}
}

func NewJournalSink(buffer int) *JournalSink {
	return &JournalSink{ch: make(chan *ledger.Batch, buffer), done: make(chan struct{})}
}

func (s *JournalSink) AppendBatch(b *ledger.Batch) {
	select {
	case s.ch <- b:
	case <-s.done:
	}
}

// C is the channel the worker reads.
func (s *JournalSink) C() <-chan *ledger.Batch { return s.ch }

// Close stops forwarding. Later batches are discarded.
func (s *JournalSink) Close() { close(s.done) }
