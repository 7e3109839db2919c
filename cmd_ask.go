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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	askServer  string
	askTimeout time.Duration
	askRaw     bool
)

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Send one query to a running gateway and print the reply",
	Example: `  tickerchat ask "What's AAPL doing?"
  tickerchat ask --server http://gateway:5000 "how is the market today"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askServer, "server", "http://localhost:5000", "Gateway base URL")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 90*time.Second, "Request timeout")
	askCmd.Flags().BoolVar(&askRaw, "raw", false, "Print the raw JSON reply")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()

	text := strings.Join(args, " ")
	reply, raw, err := askGateway(ctx, http.DefaultClient, askServer, text)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if askRaw {
		_, err := out.Write(append(raw, '\n'))
		return err
	}
	if line := snapshotLine(reply.StockData); line != "" {
		fmt.Fprintln(out, line)
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, reply.Response)
	return nil
}

// askGateway posts one query to /api/speech/text and returns the decoded
// reply plus the body as received.
func askGateway(ctx context.Context, hc *http.Client, server, text string) (*Reply, []byte, error) {
	body, err := json.Marshal(speechTextReq{Text: text})
	if err != nil {
		return nil, nil, err
	}
	url := strings.TrimRight(server, "/") + "/api/speech/text"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read gateway reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, raw, fmt.Errorf("gateway %d: %s", resp.StatusCode, e.Error)
		}
		return nil, raw, fmt.Errorf("gateway status %d", resp.StatusCode)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, raw, fmt.Errorf("decode gateway reply: %w", err)
	}
	if reply.Response == "" {
		return nil, raw, errors.New("gateway reply has no response text")
	}
	return &reply, raw, nil
}

// snapshotLine summarises a stockData payload, or "" when there is none.
func snapshotLine(stockData json.RawMessage) string {
	if len(stockData) == 0 || string(stockData) == "null" {
		return ""
	}
	var s MarketSnapshot
	if json.Unmarshal(stockData, &s) != nil || s.Ticker == "" {
		return ""
	}
	return fmt.Sprintf("[%s %s $%s %+.2f%% vol %s]",
		s.Ticker, s.CompanyName, money(s.CurrentPrice), s.ChangePercent,
		humanize.Comma(int64(s.Volume)))
}
