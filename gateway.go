package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyQuery = errors.New("empty query")
	ErrCompletion = errors.New("completion failed")
)

// StockFetcher is the market-data side of the sidecar.
type StockFetcher interface {
	StockInfo(ctx context.Context, query string) (*MarketSnapshot, error)
}

// EventSink receives one event per handled query. Record must not block.
type EventSink interface {
	Record(ev QueryEvent)
}

type Sinks []EventSink

func (s Sinks) Record(ev QueryEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Record(ev)
		}
	}
}

// Enrichment is the policy decision for one query. Snapshot is set only when
// Outcome is enriched; Reason only when unenriched; Err only when failed.
type Enrichment struct {
	Outcome   Outcome
	Reason    string
	Ticker    string
	Snapshot  *MarketSnapshot
	Err       error
	SidecarMs int64
}

// Reply is the body of a successful /api/speech/text call. StockData is
// the sidecar's payload passed through unchanged, or null.
type Reply struct {
	Response  string          `json:"response"`
	StockData json.RawMessage `json:"stockData"`
}

type GatewayDeps struct {
	Classifier *Classifier
	Ready      ReadyChecker
	Stocks     StockFetcher
	LLM        Completer
	Sink       EventSink
	Metrics    *Metrics
	Run        RunContext
	LocNY      *time.Location
	Log        *Logger
}

// Gateway routes each query through classification, optional enrichment
// and one completion call. It keeps no state between requests.
type Gateway struct {
	cls     *Classifier
	ready   ReadyChecker
	stocks  StockFetcher
	llm     Completer
	sink    EventSink
	metrics *Metrics
	run     RunContext
	loc     *time.Location
	log     *Logger

	now func() time.Time
}

func NewGateway(d GatewayDeps) *Gateway {
	if d.Classifier == nil {
		d.Classifier = NewClassifier(DefaultTickers())
	}
	if d.LocNY == nil {
		d.LocNY = loadNY()
	}
	if d.Log == nil {
		d.Log = NewNopLogger()
	}
	if d.Sink == nil {
		d.Sink = Sinks(nil)
	}
	return &Gateway{
		cls:     d.Classifier,
		ready:   d.Ready,
		stocks:  d.Stocks,
		llm:     d.LLM,
		sink:    d.Sink,
		metrics: d.Metrics,
		run:     d.Run,
		loc:     d.LocNY,
		log:     d.Log,
		now:     time.Now,
	}
}

// Enrich decides whether and how to attach market data to a query.
// Sidecar failures are folded into the result, never returned.
func (g *Gateway) Enrich(ctx context.Context, query string) Enrichment {
	cls := g.cls.Classify(query)
	if !cls.Finance {
		return Enrichment{Outcome: OutcomeUnenriched, Reason: ReasonNotFinance}
	}
	if g.ready == nil || g.stocks == nil || !g.ready.Ready() {
		return Enrichment{Outcome: OutcomeUnenriched, Reason: ReasonSidecarNotReady, Ticker: cls.Ticker}
	}

	t0 := g.now()
	snap, err := g.stocks.StockInfo(ctx, query)
	ms := g.now().Sub(t0).Milliseconds()
	if err != nil {
		return Enrichment{Outcome: OutcomeFailed, Ticker: cls.Ticker, Err: err, SidecarMs: ms}
	}
	return Enrichment{Outcome: OutcomeEnriched, Ticker: snap.Ticker, Snapshot: snap, SidecarMs: ms}
}

// Handle answers one user query. It returns ErrEmptyQuery for blank input and
// wraps ErrCompletion when the language model call fails.
func (g *Gateway) Handle(ctx context.Context, query string) (*Reply, error) {
	start := g.now()
	date, session := NYDateSession(start.UnixMilli(), g.loc)
	ev := QueryEvent{
		RunID:     g.run.ID,
		RequestID: uuid.NewString(),
		TsMs:      start.UnixMilli(),
		Session:   session,
		QueryLen:  len(query),
	}
	defer func() {
		ev.TotalMs = g.now().Sub(start).Milliseconds()
		g.sink.Record(ev)
		if g.metrics != nil {
			g.metrics.Observe(ev)
		}
	}()

	if strings.TrimSpace(query) == "" {
		ev.Status = 400
		return nil, ErrEmptyQuery
	}

	enr := g.Enrich(ctx, query)
	ev.Outcome, ev.Reason, ev.Ticker, ev.SidecarMs = enr.Outcome, enr.Reason, enr.Ticker, enr.SidecarMs
	switch enr.Outcome {
	case OutcomeEnriched:
		g.log.Infof("req=%s enriched ticker=%s sidecar=%dms", short(ev.RequestID), enr.Ticker, enr.SidecarMs)
	case OutcomeFailed:
		g.log.Warnf("req=%s sidecar fetch failed, continuing without data: %v", short(ev.RequestID), enr.Err)
	default:
		g.log.Debugf("req=%s unenriched reason=%s", short(ev.RequestID), enr.Reason)
	}

	prompt := BuildPrompt(query, enr.Snapshot, start.In(g.loc))

	t0 := g.now()
	text, err := g.llm.Complete(ctx, SystemPrompt, prompt)
	ev.CompletionMs = g.now().Sub(t0).Milliseconds()
	if err != nil {
		ev.Status = 500
		g.log.Errorf("req=%s completion failed after %dms: %v", short(ev.RequestID), ev.CompletionMs, err)
		return nil, fmt.Errorf("%w: %v", ErrCompletion, err)
	}

	ev.Status = 200
	reply := &Reply{Response: text}
	if enr.Outcome == OutcomeEnriched {
		reply.StockData = enr.Snapshot.Raw
		if len(reply.StockData) == 0 {
			reply.StockData, _ = json.Marshal(enr.Snapshot)
		}
	}
	g.log.Debugf("req=%s date=%s session=%s done", short(ev.RequestID), date, session)
	return reply, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
