package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSidecarNoData means the sidecar answered but had no snapshot for the query.
var ErrSidecarNoData = errors.New("sidecar returned no market data")

type SidecarClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewSidecarClient(baseURL string, timeout time.Duration) *SidecarClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SidecarClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type stockInfoReq struct {
	Query string `json:"query"`
}

// StockInfo asks the sidecar for a snapshot matching a free-text query.
func (c *SidecarClient) StockInfo(ctx context.Context, query string) (*MarketSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(stockInfoReq{Query: query})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stock/info", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sidecar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read sidecar response: %w", err)
	}

	var snap MarketSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("sidecar status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode sidecar response: %w", err)
	}
	if snap.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrSidecarNoData, snap.Error)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("sidecar status %d", resp.StatusCode)
	}
	if snap.Ticker == "" {
		return nil, ErrSidecarNoData
	}
	snap.Raw = json.RawMessage(raw)
	return &snap, nil
}

// Health reports whether GET /health answers with a 2xx.
func (c *SidecarClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sidecar health status %d", resp.StatusCode)
	}
	return nil
}
