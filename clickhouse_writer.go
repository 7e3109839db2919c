package main

import (
	"context"
	"fmt"
	"math"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
)

type ClickHouseWriterConfig struct {
	BatchSize  int
	FlushEvery time.Duration
	BufferSize int
}

// batchInserter sends one batch; the default goes through the native conn.
type batchInserter func(ctx context.Context, buf []QueryEvent) error

type ClickHouseWriter struct {
	cfg   ClickHouseWriterConfig
	conn  clickhouse.Conn
	run   RunContext
	locNY *time.Location
	log   *Logger
	m     *Metrics

	insert batchInserter

	in chan QueryEvent
}

func NewClickHouseWriter(cfg ClickHouseWriterConfig, conn clickhouse.Conn, run RunContext, locNY *time.Location, m *Metrics, log *Logger) *ClickHouseWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10_000
	}
	if log == nil {
		log = NewNopLogger()
	}
	w := &ClickHouseWriter{
		cfg:   cfg,
		conn:  conn,
		run:   run,
		locNY: locNY,
		log:   log,
		m:     m,
		in:    make(chan QueryEvent, cfg.BufferSize),
	}
	w.insert = w.insertBatch
	return w
}

func (w *ClickHouseWriter) TryEnqueue(ev QueryEvent) bool {
	select {
	case w.in <- ev:
		return true
	default:
		return false
	}
}

// Record implements EventSink.
func (w *ClickHouseWriter) Record(ev QueryEvent) {
	if !w.TryEnqueue(ev) {
		w.m.CHDropped(1)
	}
}

func (w *ClickHouseWriter) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.FlushEvery)
	defer t.Stop()

	batch := make([]QueryEvent, 0, w.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			// drain best-effort, then one last flush on a fresh deadline
		Drain:
			for {
				select {
				case ev := <-w.in:
					batch = append(batch, ev)
				default:
					break Drain
				}
			}
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for len(batch) > 0 {
				n := min(len(batch), w.cfg.BatchSize)
				w.flush(final, batch[:n])
				batch = batch[n:]
			}
			cancel()
			return

		case ev := <-w.in:
			batch = append(batch, ev)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(ctx, batch)
				batch = make([]QueryEvent, 0, w.cfg.BatchSize)
			}

		case <-t.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = make([]QueryEvent, 0, w.cfg.BatchSize)
			}
		}
	}
}

func (w *ClickHouseWriter) flush(ctx context.Context, buf []QueryEvent) {
	if len(buf) == 0 {
		return
	}
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		ctxIns, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		err := w.insert(ctxIns, buf)
		cancel()
		lat := time.Since(start)

		if err == nil {
			w.m.CHInserted(int64(len(buf)), lat)
			return
		}

		lastErr = err
		w.m.CHInsertError()

		backoff := time.Duration(100*(1<<attempt)) * time.Millisecond
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}

	w.m.CHDropped(int64(len(buf)))
	w.log.Errorf("clickhouse insert failed; dropped %d events: %v", len(buf), lastErr)
}

func (w *ClickHouseWriter) insertBatch(ctx context.Context, buf []QueryEvent) error {
	if w.conn == nil {
		return fmt.Errorf("no clickhouse conn")
	}

	const insertSQL = `
INSERT INTO query_events
(run_id, run_start, request_id, ts, session, status, outcome, reason, ticker, query_len, sidecar_ms, completion_ms, total_ms)
`

	b, err := w.conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return err
	}

	for _, ev := range buf {
		ts := time.UnixMilli(ev.TsMs).In(w.locNY)
		if err := b.Append(
			w.run.ID,
			w.run.StartNY,
			ev.RequestID,
			ts,
			ev.Session,
			uint16(ev.Status),
			string(ev.Outcome),
			ev.Reason,
			ev.Ticker,
			clampU32(int64(ev.QueryLen)),
			clampU32(ev.SidecarMs),
			clampU32(ev.CompletionMs),
			clampU32(ev.TotalMs),
		); err != nil {
			return err
		}
	}

	return b.Send()
}

func clampU32(v int64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}
