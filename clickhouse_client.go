package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
)

type ClickHouseConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Pass         string `yaml:"pass"`
	DB           string `yaml:"db"`
	Secure       bool   `yaml:"secure"`
	AsyncInsert  bool   `yaml:"async_insert"`
	BatchSize    int    `yaml:"batch_size"`
	FlushEveryMS int    `yaml:"flush_ms"`
}

type ClickHouseClient struct {
	cfg   ClickHouseConfig
	conn  clickhouse.Conn // native driver conn (batch insert)
	db    *sql.DB         // database/sql for /stats/queries
	locNY *time.Location
	log   *Logger
}

func (c *ClickHouseClient) Addr() string { return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port) }
func (c *ClickHouseClient) Database() string {
	if c == nil {
		return ""
	}
	return c.cfg.DB
}
func (c *ClickHouseClient) NativeConn() clickhouse.Conn { return c.conn }

func (c *ClickHouseClient) Close() {
	if c == nil {
		return
	}
	if c.db != nil {
		_ = c.db.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

var safeIdentRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateIdent(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier")
	}
	if !safeIdentRe.MatchString(s) {
		return fmt.Errorf("unsafe identifier %q (allowed: [a-zA-Z0-9_])", s)
	}
	return nil
}

func (cfg ClickHouseConfig) options(database string) *clickhouse.Options {
	opt := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.User,
			Password: cfg.Pass,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings:        clickhouse.Settings{},
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
	if cfg.Secure {
		opt.TLS = &tls.Config{}
	}
	if cfg.AsyncInsert {
		opt.Settings["async_insert"] = 1
		opt.Settings["wait_for_async_insert"] = 0
	} else {
		opt.Settings["async_insert"] = 0
	}
	return opt
}

// NewClickHouseClient returns (nil, nil) when analytics are disabled.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig, locNY *time.Location, log *Logger) (*ClickHouseClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := validateIdent(cfg.DB); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port <= 0 {
		cfg.Port = 9000
	}
	if cfg.User == "" {
		cfg.User = "default"
	}

	// Connect to "default" first so the target database can be created.
	connDefault, err := clickhouse.Open(cfg.options("default"))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open(default): %w", err)
	}
	{
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := connDefault.Exec(ctxPing, "SELECT 1"); err != nil {
			_ = connDefault.Close()
			return nil, fmt.Errorf("clickhouse ping(default): %w", err)
		}
		ddlDB := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.DB)
		if err := connDefault.Exec(ctxPing, ddlDB); err != nil {
			_ = connDefault.Close()
			return nil, fmt.Errorf("create database: %w", err)
		}
	}
	_ = connDefault.Close()

	conn, err := clickhouse.Open(cfg.options(cfg.DB))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open(%s): %w", cfg.DB, err)
	}
	{
		ctxDDL, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := ensureClickHouseSchema(ctxDDL, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	db := clickhouse.OpenDB(cfg.options(cfg.DB))
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	{
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			_ = db.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("clickhouse db.Ping: %w", err)
		}
	}

	log.Infof("clickhouse ready addr=%s:%d db=%s async_insert=%v", cfg.Host, cfg.Port, cfg.DB, cfg.AsyncInsert)

	return &ClickHouseClient{
		cfg:   cfg,
		conn:  conn,
		db:    db,
		locNY: locNY,
		log:   log,
	}, nil
}

func ensureClickHouseSchema(ctx context.Context, conn clickhouse.Conn) error {
	ddlEvents := `
CREATE TABLE IF NOT EXISTS query_events
(
  run_id String,
  run_start DateTime64(3, 'America/New_York'),
  request_id String,
  ts DateTime64(3, 'America/New_York'),
  session LowCardinality(String),
  status UInt16,
  outcome LowCardinality(String),
  reason LowCardinality(String),
  ticker LowCardinality(String),
  query_len UInt32,
  sidecar_ms UInt32,
  completion_ms UInt32,
  total_ms UInt32
)
ENGINE = MergeTree
PARTITION BY toDate(ts)
ORDER BY (run_id, ts, request_id)
`

	ddl1m := `
CREATE TABLE IF NOT EXISTS query_tickers_1m
(
  run_id String,
  day Date,
  minute DateTime('America/New_York'),
  ticker LowCardinality(String),
  enriched UInt64
)
ENGINE = SummingMergeTree(enriched)
PARTITION BY day
ORDER BY (run_id, ticker, minute)
`

	ddlMV := `
CREATE MATERIALIZED VIEW IF NOT EXISTS mv_query_tickers_1m
TO query_tickers_1m
AS
SELECT
  run_id,
  toDate(ts) AS day,
  toDateTime(toStartOfMinute(ts), 'America/New_York') AS minute,
  ticker,
  count() AS enriched
FROM query_events
WHERE outcome = 'enriched' AND ticker != ''
GROUP BY
  run_id,
  toDate(ts),
  toDateTime(toStartOfMinute(ts), 'America/New_York'),
  ticker
`

	for i, q := range []string{ddlEvents, ddl1m, ddlMV} {
		if err := conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("clickhouse ddl step %d: %w", i+1, err)
		}
	}
	return nil
}

// OutcomeCounts tallies the run's query events at or after since.
func (c *ClickHouseClient) OutcomeCounts(ctx context.Context, runID string, since time.Time) (OutcomeCounts, error) {
	var out OutcomeCounts
	if c == nil || c.db == nil {
		return out, fmt.Errorf("clickhouse not configured")
	}

	const q = `
SELECT
  count(),
  countIf(outcome = 'enriched'),
  countIf(outcome = 'unenriched' AND reason != 'sidecar_not_ready'),
  countIf(outcome = 'unenriched' AND reason = 'sidecar_not_ready'),
  countIf(outcome = 'failed'),
  countIf(status >= 400 AND status < 500),
  countIf(status >= 500)
FROM query_events
WHERE run_id = ?
  AND ts >= ?
`
	var total, enriched, notFinance, notReady, failed, clientErr, serverErr uint64
	err := c.db.QueryRowContext(ctx, q, runID, since.In(c.locNY)).Scan(
		&total, &enriched, &notFinance, &notReady, &failed, &clientErr, &serverErr)
	if err != nil {
		return out, err
	}
	out = OutcomeCounts{
		Total:       int64(total),
		Enriched:    int64(enriched),
		NotFinance:  int64(notFinance),
		NotReady:    int64(notReady),
		Failed:      int64(failed),
		ClientError: int64(clientErr),
		ServerError: int64(serverErr),
	}
	return out, nil
}

// TopTickers reads the per-minute rollup for the most enriched tickers.
func (c *ClickHouseClient) TopTickers(ctx context.Context, runID string, since time.Time, limit int) ([]TickerRow, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("clickhouse not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	q := `
SELECT
  ticker,
  sum(enriched) AS n
FROM query_tickers_1m
WHERE run_id = ?
  AND minute >= ?
GROUP BY ticker
ORDER BY n DESC, ticker ASC
LIMIT ` + strconv.Itoa(limit)

	rows, err := c.db.QueryContext(ctx, q, runID, since.In(c.locNY).Truncate(time.Minute))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TickerRow, 0, limit)
	for rows.Next() {
		var ticker string
		var n uint64
		if err := rows.Scan(&ticker, &n); err != nil {
			return nil, err
		}
		out = append(out, TickerRow{Ticker: ticker, Count: int64(n)})
	}
	return out, rows.Err()
}
