package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]QueryEvent
	fail    int // number of calls to fail before succeeding
	calls   int
}

func (f *fakeInserter) insert(ctx context.Context, buf []QueryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return errors.New("connection reset")
	}
	f.batches = append(f.batches, append([]QueryEvent(nil), buf...))
	return nil
}

func (f *fakeInserter) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func newTestWriter(cfg ClickHouseWriterConfig, fi *fakeInserter) (*ClickHouseWriter, *Metrics) {
	m := NewMetrics(time.Now(), "", "", "")
	w := NewClickHouseWriter(cfg, nil, RunContext{ID: "run-1"}, loadNY(), m, NewNopLogger())
	w.insert = fi.insert
	return w, m
}

func TestClickHouseWriter_BatchesBySize(t *testing.T) {
	fi := &fakeInserter{}
	w, m := newTestWriter(ClickHouseWriterConfig{BatchSize: 2, FlushEvery: time.Hour}, fi)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	for i := 0; i < 5; i++ {
		w.Record(QueryEvent{RequestID: string(rune('a' + i))})
	}
	require.Eventually(t, func() bool { return fi.rows() == 4 }, 2*time.Second, 10*time.Millisecond)

	// the odd one out goes on shutdown
	cancel()
	<-done
	assert.Equal(t, 5, fi.rows())

	ch := m.Snapshot()["clickhouse"].(map[string]any)
	assert.Equal(t, int64(5), ch["inserted_rows_total"])
	assert.Equal(t, int64(0), ch["dropped_db_total"])
}

func TestClickHouseWriter_FlushesOnTick(t *testing.T) {
	fi := &fakeInserter{}
	w, _ := newTestWriter(ClickHouseWriterConfig{BatchSize: 100, FlushEvery: 20 * time.Millisecond}, fi)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Record(QueryEvent{RequestID: "x"})
	require.Eventually(t, func() bool { return fi.rows() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClickHouseWriter_RetryThenDrop(t *testing.T) {
	fi := &fakeInserter{fail: 1}
	w, m := newTestWriter(ClickHouseWriterConfig{BatchSize: 1}, fi)

	w.flush(context.Background(), []QueryEvent{{RequestID: "retry"}})
	assert.Equal(t, 1, fi.rows())
	assert.Equal(t, 2, fi.calls)

	fi.fail = 3
	w.flush(context.Background(), []QueryEvent{{RequestID: "lost"}})
	assert.Equal(t, 1, fi.rows())

	ch := m.Snapshot()["clickhouse"].(map[string]any)
	assert.Equal(t, int64(4), ch["insert_errors_total"])
	assert.Equal(t, int64(1), ch["dropped_db_total"])
}

func TestClickHouseWriter_FullBufferDrops(t *testing.T) {
	fi := &fakeInserter{}
	w, m := newTestWriter(ClickHouseWriterConfig{BufferSize: 1}, fi)
	w.Record(QueryEvent{})
	w.Record(QueryEvent{})
	assert.Equal(t, int64(1), m.Snapshot()["clickhouse"].(map[string]any)["dropped_db_total"])
}

func TestClampU32(t *testing.T) {
	assert.Equal(t, uint32(0), clampU32(-5))
	assert.Equal(t, uint32(42), clampU32(42))
	assert.Equal(t, uint32(math.MaxUint32), clampU32(math.MaxUint32+10))
}
