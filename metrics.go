package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	start time.Time

	version   string
	commit    string
	buildDate string

	totalQueries   atomic.Int64
	enriched       atomic.Int64
	notFinance     atomic.Int64
	notReady       atomic.Int64
	enrichFailures atomic.Int64
	completionErrs atomic.Int64
	badRequests    atomic.Int64

	lastLatencyMs   atomic.Int64
	lastSidecarMs   atomic.Int64
	lastCompleteMs  atomic.Int64
	journalDropped  atomic.Int64
	wsOpen          atomic.Int64
	wsSessionsTotal atomic.Int64

	// ClickHouse writer metrics
	chInsertedRows        atomic.Int64
	chInsertErrors        atomic.Int64
	chDroppedDB           atomic.Int64
	chLastInsertLatencyMs atomic.Int64
	chLastInsertAtMs      atomic.Int64

	mu      sync.Mutex
	samples []rateSample // appended each second
}

type rateSample struct {
	at      time.Time
	queries int64
}

func NewMetrics(start time.Time, version, commit, buildDate string) *Metrics {
	return &Metrics{
		start:     start,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		samples:   make([]rateSample, 0, 16),
	}
}

// Observe folds one finished query into the counters.
func (m *Metrics) Observe(ev QueryEvent) {
	m.totalQueries.Add(1)
	m.lastLatencyMs.Store(ev.TotalMs)

	switch {
	case ev.Status >= 400 && ev.Status < 500:
		m.badRequests.Add(1)
		return
	case ev.Status >= 500:
		m.completionErrs.Add(1)
	default:
		m.lastCompleteMs.Store(ev.CompletionMs)
	}

	switch ev.Outcome {
	case OutcomeEnriched:
		m.enriched.Add(1)
		m.lastSidecarMs.Store(ev.SidecarMs)
	case OutcomeFailed:
		m.enrichFailures.Add(1)
	case OutcomeUnenriched:
		if ev.Reason == ReasonSidecarNotReady {
			m.notReady.Add(1)
		} else {
			m.notFinance.Add(1)
		}
	}
}

func (m *Metrics) JournalDropped() { m.journalDropped.Add(1) }

func (m *Metrics) WSOpened() {
	m.wsOpen.Add(1)
	m.wsSessionsTotal.Add(1)
}
func (m *Metrics) WSClosed() { m.wsOpen.Add(-1) }

func (m *Metrics) CHInserted(n int64, latency time.Duration) {
	m.chInsertedRows.Add(n)
	m.chLastInsertLatencyMs.Store(latency.Milliseconds())
	m.chLastInsertAtMs.Store(time.Now().UnixMilli())
}
func (m *Metrics) CHInsertError() { m.chInsertErrors.Add(1) }
func (m *Metrics) CHDropped(n int64) {
	m.chDroppedDB.Add(n)
}

func (m *Metrics) Run(ctx context.Context) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.sample(now)
		}
	}
}

func (m *Metrics) sample(now time.Time) {
	q := m.totalQueries.Load()

	m.mu.Lock()
	m.samples = append(m.samples, rateSample{at: now, queries: q})
	// keep last ~60s
	if len(m.samples) > 70 {
		m.samples = m.samples[len(m.samples)-70:]
	}
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() map[string]any {
	uptime := time.Since(m.start)
	r1, r60 := m.queryRates()

	return map[string]any{
		"ok": true,

		"uptime_ms": uptime.Milliseconds(),
		"uptime":    uptime.Round(time.Second).String(),

		"build": map[string]any{
			"version":    m.version,
			"commit":     m.commit,
			"build_date": m.buildDate,
		},

		"queries": map[string]any{
			"total":             m.totalQueries.Load(),
			"enriched":          m.enriched.Load(),
			"not_finance":       m.notFinance.Load(),
			"sidecar_not_ready": m.notReady.Load(),
			"enrich_failures":   m.enrichFailures.Load(),
			"completion_errors": m.completionErrs.Load(),
			"bad_requests":      m.badRequests.Load(),
			"per_s": map[string]any{
				"1s":  r1,
				"60s": r60,
			},
		},

		"latency_ms": map[string]any{
			"last_total":      m.lastLatencyMs.Load(),
			"last_sidecar":    m.lastSidecarMs.Load(),
			"last_completion": m.lastCompleteMs.Load(),
		},

		"ws": map[string]any{
			"open":           m.wsOpen.Load(),
			"sessions_total": m.wsSessionsTotal.Load(),
		},

		"journal": map[string]any{
			"dropped_total": m.journalDropped.Load(),
		},

		"clickhouse": map[string]any{
			"inserted_rows_total":    m.chInsertedRows.Load(),
			"insert_errors_total":    m.chInsertErrors.Load(),
			"dropped_db_total":       m.chDroppedDB.Load(),
			"last_insert_latency_ms": m.chLastInsertLatencyMs.Load(),
			"last_insert_at_unix_ms": m.chLastInsertAtMs.Load(),
		},
	}
}

func (m *Metrics) queryRates() (rate1 float64, rate60 float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 2 {
		return 0, 0
	}
	latest := m.samples[len(m.samples)-1]

	// 1s rate: compare with prior sample
	prev := m.samples[len(m.samples)-2]
	dt := latest.at.Sub(prev.at).Seconds()
	if dt > 0 {
		rate1 = float64(latest.queries-prev.queries) / dt
	}

	// 60s rate: oldest sample at least 60s back, else the oldest we have
	older := m.samples[0]
	for i := len(m.samples) - 1; i >= 0; i-- {
		if latest.at.Sub(m.samples[i].at) >= 60*time.Second {
			older = m.samples[i]
			break
		}
	}
	if dt60 := latest.at.Sub(older.at).Seconds(); dt60 > 0 {
		rate60 = float64(latest.queries-older.queries) / dt60
	}
	return
}
