package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type JournalConfig struct {
	DataDir    string
	FlushEvery time.Duration
	Buffer     int
	LocNY      *time.Location
	Log        *Logger
}

// Journal appends query events as NDJSON, one file per New York date under
// DATA_DIR/events. It is the local record /stats/queries falls back to when
// ClickHouse is off.
type Journal struct {
	cfg     JournalConfig
	metrics *Metrics

	in chan QueryEvent

	fileMu sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	date   string

	closeOnce sync.Once
}

func NewJournal(cfg JournalConfig, m *Metrics) *Journal {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.LocNY == nil {
		cfg.LocNY = loadNY()
	}
	if cfg.Log == nil {
		cfg.Log = NewNopLogger()
	}
	return &Journal{
		cfg:     cfg,
		metrics: m,
		in:      make(chan QueryEvent, cfg.Buffer),
	}
}

func (j *Journal) TryEnqueue(ev QueryEvent) bool {
	select {
	case j.in <- ev:
		return true
	default:
		return false
	}
}

// Record implements EventSink; a full buffer drops the event.
func (j *Journal) Record(ev QueryEvent) {
	if !j.TryEnqueue(ev) && j.metrics != nil {
		j.metrics.JournalDropped()
	}
}

func (j *Journal) Dir() string { return filepath.Join(j.cfg.DataDir, "events") }

func (j *Journal) pathFor(date string) string {
	return filepath.Join(j.Dir(), date+".ndjson")
}

func (j *Journal) Run(ctx context.Context) {
	if err := os.MkdirAll(j.Dir(), 0755); err != nil {
		j.cfg.Log.Errorf("journal mkdir: %v", err)
	}

	t := time.NewTicker(j.cfg.FlushEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			j.Close()
			return
		case ev := <-j.in:
			j.write(ev)
		case <-t.C:
			j.flush()
		}
	}
}

// Close drains what is buffered and closes the current file. Safe to call
// more than once.
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
	Drain:
		for {
			select {
			case ev := <-j.in:
				j.write(ev)
			default:
				break Drain
			}
		}
		j.closeFile()
	})
}

func (j *Journal) write(ev QueryEvent) {
	date, _ := NYDateSession(ev.TsMs, j.cfg.LocNY)
	if err := j.ensureFile(date); err != nil {
		j.cfg.Log.Errorf("journal open %s: %v", date, err)
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		j.cfg.Log.Errorf("journal marshal: %v", err)
		return
	}
	b = append(b, '\n')

	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	if j.bw == nil {
		return
	}
	if _, err := j.bw.Write(b); err != nil {
		j.cfg.Log.Errorf("journal write: %v", err)
	}
}

func (j *Journal) ensureFile(date string) error {
	j.fileMu.Lock()
	defer j.fileMu.Unlock()

	if j.date == date && j.f != nil {
		return nil
	}
	// rotate if open
	if j.f != nil {
		_ = j.bw.Flush()
		_ = j.f.Close()
		j.f, j.bw, j.date = nil, nil, ""
	}

	if err := os.MkdirAll(j.Dir(), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathFor(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	j.f = f
	j.bw = bufio.NewWriterSize(f, 64*1024)
	j.date = date
	return nil
}

func (j *Journal) flush() {
	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	if j.bw != nil {
		_ = j.bw.Flush()
	}
}

func (j *Journal) closeFile() {
	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	if j.bw != nil {
		_ = j.bw.Flush()
	}
	if j.f != nil {
		_ = j.f.Close()
	}
	j.f, j.bw, j.date = nil, nil, ""
}

// CountOutcomes aggregates the events of one date with ts >= sinceMs, plus
// per-ticker enrichment counts. An empty runID matches every run. A missing
// file is an empty day.
func (j *Journal) CountOutcomes(date, runID string, sinceMs int64) (OutcomeCounts, []TickerRow, error) {
	j.flush()

	var counts OutcomeCounts
	f, err := os.Open(j.pathFor(date))
	if errors.Is(err, os.ErrNotExist) {
		return counts, []TickerRow{}, nil
	}
	if err != nil {
		return counts, nil, err
	}
	defer f.Close()

	byTicker := make(map[string]int64)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for sc.Scan() {
		var ev QueryEvent
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		if ev.TsMs < sinceMs || (runID != "" && ev.RunID != runID) {
			continue
		}
		counts.Add(ev)
		if ev.Outcome == OutcomeEnriched && ev.Ticker != "" {
			byTicker[ev.Ticker]++
		}
	}
	if err := sc.Err(); err != nil {
		return counts, nil, err
	}

	rows := make([]TickerRow, 0, len(byTicker))
	for t, n := range byTicker {
		rows = append(rows, TickerRow{Ticker: t, Count: n})
	}
	sortTickerRows(rows)
	return counts, rows, nil
}
