package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultTickers())

	cases := []struct {
		query   string
		finance bool
		trigger string
		ticker  string
	}{
		{"hello", false, "", ""},
		{"tell me a joke about cats", false, "", ""},
		{"What's AAPL doing?", true, TriggerSymbol, "AAPL"},
		{"how is $tsla today", true, TriggerCashtag, "TSLA"},
		{"Should I buy Apple?", true, TriggerAlias, "AAPL"},
		{"thoughts on HDFC Bank results", true, TriggerAlias, "HDFCBANK.NS"},
		{"is AT&T a good buy", true, TriggerAlias, "T"},
		{"what moved the market today", true, TriggerKeyword, ""},
		{"best ETF for beginners", true, TriggerKeyword, ""},
		{"INFY.NS outlook", true, TriggerSymbol, "INFY.NS"},
		// aliases match whole words only
		{"the metal band played", false, "", ""},
		// everyday words need market context
		{"can you zoom in?", false, "", ""},
		{"how do I bake an apple pie", false, "", ""},
		{"is my visa still valid", false, "", ""},
		{"Zoom earnings next week", true, TriggerAlias, "ZM"},
		{"meta shares after the call", true, TriggerAlias, "META"},
		{"Part V of the book", false, "", ""},
		{"$V or $MA", true, TriggerCashtag, "V"},
	}
	for _, tc := range cases {
		got := c.Classify(tc.query)
		assert.Equal(t, tc.finance, got.Finance, tc.query)
		assert.Equal(t, tc.trigger, got.Trigger, tc.query)
		assert.Equal(t, tc.ticker, got.Ticker, tc.query)
	}
}

func TestClassifier_SetTickers(t *testing.T) {
	c := NewClassifier(nil)
	assert.False(t, c.IsFinance("how is Rivian doing"))

	c.SetTickers([]TickerAlias{{Name: "Rivian", Symbol: "rivn"}})
	got := c.Classify("how is rivian doing")
	assert.True(t, got.Finance)
	assert.Equal(t, "RIVN", got.Ticker)
	assert.True(t, c.IsFinance("RIVN?"))
	assert.Equal(t, 1, c.Size())
}

func TestLoadTickers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickers.yaml")
	yml := `
tickers:
  - name: " Apple "
    symbol: aapl
  - name: apple
    symbol: DUP
  - name: ""
    symbol: X
  - name: Rivian
    symbol: RIVN
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	got, err := LoadTickers(path)
	require.NoError(t, err)
	assert.Equal(t, []TickerAlias{{Name: "apple", Symbol: "AAPL"}, {Name: "rivian", Symbol: "RIVN"}}, got)
}

func TestLoadTickersOrDefault(t *testing.T) {
	log := NewNopLogger()
	missing := LoadTickersOrDefault(filepath.Join(t.TempDir(), "missing.yaml"), log)
	assert.Equal(t, DefaultTickers(), missing)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tickers: [}"), 0o644))
	assert.Equal(t, DefaultTickers(), LoadTickersOrDefault(bad, log))
}
