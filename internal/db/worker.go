package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
)

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker runs every write transaction on one goroutine. SQLite allows a
// single writer; funnelling writes here also makes a read-then-insert inside
// one TxFn atomic with respect to all other writes.
type Worker struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}
}

func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:   db,
		jobs: make(chan job, 256),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close stops accepting jobs and waits for queued ones to finish.
func (w *Worker) Close() {
	close(w.jobs)
	<-w.done
}

func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)
	j := job{ctx: ctx, fn: fn, ch: ch}

	select {
	case w.jobs <- j:
		metrics.DBQueueDepth.Set(float64(len(w.jobs)))
	case <-ctx.Done():
		return ctx.Err()
	}

	// If ctx expires while the job is queued or running, the loop still
	// finishes the transaction and the result is dropped into the buffered ch.
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		metrics.DBQueueDepth.Set(float64(len(w.jobs)))
		start := time.Now()
		j.ch <- w.run(j)
		metrics.DBTxDuration.Observe(time.Since(start).Seconds())
	}
}

func (w *Worker) run(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
