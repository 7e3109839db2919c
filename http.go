package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxBodyBytes = 64 << 10

	msgNoText         = "No text provided"
	msgCompletionFail = "Failed to get response from Groq API"
)

// completionStatus reports whether the completion API has a key; /health
// shows it without revealing the key.
type completionStatus interface {
	Configured() bool
}

type HTTPConfig struct {
	Addr         string
	LocNY        *time.Location
	Log          *Logger
	Gateway      *Gateway
	Ready        ReadyChecker
	Sidecar      *SidecarState
	LLM          completionStatus
	Classifier   *Classifier
	Journal      *Journal
	CH           *ClickHouseClient
	Run          RunContext
	M            *Metrics
	CORSOrigin   string
	WriteTimeout time.Duration
}

type HTTPServer struct {
	cfg      HTTPConfig
	srv      *http.Server
	upgrader websocket.Upgrader
}

func NewHTTPServer(cfg HTTPConfig) *http.Server {
	if cfg.Log == nil {
		cfg.Log = NewNopLogger()
	}
	if cfg.LocNY == nil {
		cfg.LocNY = loadNY()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 75 * time.Second
	}
	hs := &HTTPServer{cfg: cfg}
	hs.upgrader = websocket.Upgrader{
		CheckOrigin:       hs.checkOrigin,
		EnableCompression: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/speech/text", hs.handleSpeechText)
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/stats", hs.handleStats)
	mux.HandleFunc("/stats/queries", hs.handleStatsQueries)
	mux.HandleFunc("/ws/chat", hs.handleWSChat)

	hs.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           hs.cors(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return hs.srv
}

func (hs *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", hs.cfg.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if hs.cfg.CORSOrigin != "*" {
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (hs *HTTPServer) checkOrigin(r *http.Request) bool {
	if hs.cfg.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == hs.cfg.CORSOrigin
}

type speechTextReq struct {
	Text string `json:"text"`
}

func (hs *HTTPServer) handleSpeechText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req speechTextReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	reply, err := hs.cfg.Gateway.Handle(r.Context(), req.Text)
	if err != nil {
		status, msg := errorStatus(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, reply)
}

// errorStatus maps gateway errors onto the public error contract.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrEmptyQuery):
		return http.StatusBadRequest, msgNoText
	default:
		return http.StatusInternalServerError, msgCompletionFail
	}
}

// allowRead answers 405 for anything but GET and HEAD.
func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD, OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func (hs *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	python := "not ready"
	if hs.cfg.Ready != nil && hs.cfg.Ready.Ready() {
		python = "ok"
	}
	groq := "not configured"
	if hs.cfg.LLM != nil && hs.cfg.LLM.Configured() {
		groq = "configured"
	}
	writeJSON(w, map[string]any{
		"status": map[string]string{
			"server": "ok",
			"python": python,
			"groq":   groq,
		},
	})
}

func (hs *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	snap := map[string]any{"ok": true}
	if hs.cfg.M != nil {
		snap = hs.cfg.M.Snapshot()
	}

	snap["run"] = map[string]any{
		"run_id":       hs.cfg.Run.ID,
		"run_start_ny": hs.cfg.Run.StartNY.Format(time.RFC3339Nano),
		"run_start_ms": hs.cfg.Run.StartNY.UnixMilli(),
	}
	if hs.cfg.Sidecar != nil {
		snap["sidecar"] = hs.cfg.Sidecar.Snapshot()
	}
	if hs.cfg.Classifier != nil {
		snap["tickers"] = hs.cfg.Classifier.Size()
	}
	if hs.cfg.CH != nil {
		snap["clickhouse_conn"] = map[string]any{
			"enabled": true,
			"addr":    hs.cfg.CH.Addr(),
			"db":      hs.cfg.CH.Database(),
		}
	} else {
		snap["clickhouse_conn"] = map[string]any{"enabled": false}
	}

	writeJSON(w, snap)
}

func (hs *HTTPServer) handleStatsQueries(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	mins := 60
	if q := r.URL.Query().Get("minutes"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 || v > 1440 {
			writeError(w, http.StatusBadRequest, "minutes must be 1..1440")
			return
		}
		mins = v
	}
	nowNY := time.Now().In(hs.cfg.LocNY)
	since := nowNY.Add(-time.Duration(mins) * time.Minute)

	// Preferred: ClickHouse
	if hs.cfg.CH != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		counts, cerr := hs.cfg.CH.OutcomeCounts(ctx, hs.cfg.Run.ID, since)
		var tickers []TickerRow
		if cerr == nil {
			tickers, cerr = hs.cfg.CH.TopTickers(ctx, hs.cfg.Run.ID, since, 20)
		}
		if cerr == nil {
			writeJSON(w, map[string]any{
				"source":  "clickhouse",
				"minutes": mins,
				"run_id":  hs.cfg.Run.ID,
				"counts":  counts,
				"tickers": tickers,
			})
			return
		}
		hs.cfg.Log.Warnf("clickhouse /stats/queries failed, falling back to journal: %v", cerr)
	}

	if hs.cfg.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "no event store configured")
		return
	}
	// The journal is per day, so the window is clipped at New York midnight.
	date := nowNY.Format("2006-01-02")
	counts, tickers, err := hs.cfg.Journal.CountOutcomes(date, hs.cfg.Run.ID, since.UnixMilli())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal read failed")
		hs.cfg.Log.Errorf("journal count %s: %v", date, err)
		return
	}
	if len(tickers) > 20 {
		tickers = tickers[:20]
	}
	writeJSON(w, map[string]any{
		"source":  "file",
		"date":    date,
		"minutes": mins,
		"run_id":  hs.cfg.Run.ID,
		"counts":  counts,
		"tickers": tickers,
	})
}

// -------------------- websocket chat --------------------

type wsChatIn struct {
	Text string `json:"text"`
}

type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (wc *wsConn) writeJSON(v any) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	_ = wc.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wc.c.WriteJSON(v)
}

func (wc *wsConn) ping() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// handleWSChat answers each {text} frame with the same body /api/speech/text
// would return. Frames on one connection are handled in order.
func (hs *HTTPServer) handleWSChat(w http.ResponseWriter, r *http.Request) {
	conn, err := hs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	if hs.cfg.M != nil {
		hs.cfg.M.WSOpened()
		defer hs.cfg.M.WSClosed()
	}
	wc := &wsConn{c: conn}
	done := make(chan struct{})
	defer close(done)

	go func() {
		ping := time.NewTicker(45 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ping.C:
				if err := wc.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(90 * time.Second)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				hs.cfg.Log.Debugf("ws read: %v", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var in wsChatIn
		if err := json.Unmarshal(data, &in); err != nil {
			if wc.writeJSON(map[string]string{"error": "invalid JSON frame"}) != nil {
				return
			}
			continue
		}

		reply, err := hs.cfg.Gateway.Handle(r.Context(), in.Text)
		var out any = reply
		if err != nil {
			_, msg := errorStatus(err)
			out = map[string]string{"error": msg}
		}
		if err := wc.writeJSON(out); err != nil {
			return
		}
		extend()
	}
}

// -------------------- helpers --------------------

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
