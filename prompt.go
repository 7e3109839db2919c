package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

const SystemPrompt = `You are an advanced stock market and financial assistant.
Your goal is to provide accurate, up-to-date information about stocks and financial markets.

When discussing stocks:
- If you have real-time data available, use it to provide current prices and trends
- Present information in a clear, structured format
- Compare metrics when relevant
- Highlight significant changes or noteworthy movements
- Be objective and factual in your analysis
- When mentioning price changes, include both absolute value and percentage
- Use concise language but provide comprehensive insights

Please format numeric values appropriately:
- Use $ for USD currency values
- Present percentages with % symbol
- Use commas for thousands separators
- Round to 2 decimal places for prices and percentages

For all financial advice, remind users you're an AI and not a financial advisor.`

// BuildPrompt prepends snapshot context to the user's query. A nil snapshot
// returns the query unchanged. asOf should already be in New York time; a
// zero asOf omits the session line.
func BuildPrompt(query string, snap *MarketSnapshot, asOf time.Time) string {
	if snap == nil {
		return query
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here is the current data for %s (%s):\n", snap.CompanyName, snap.Ticker)
	fmt.Fprintf(&b, "- Current Price: $%s\n", money(snap.CurrentPrice))
	fmt.Fprintf(&b, "- Daily Change: $%s (%s%%)\n", money(snap.Change), money(snap.ChangePercent))
	fmt.Fprintf(&b, "- Open: $%s\n", money(snap.Open))
	fmt.Fprintf(&b, "- High: $%s\n", money(snap.High))
	fmt.Fprintf(&b, "- Low: $%s\n", money(snap.Low))
	fmt.Fprintf(&b, "- Volume: %s\n", humanize.Comma(int64(math.Round(snap.Volume))))
	fmt.Fprintf(&b, "- Market Cap: %s\n", marketCap(snap.MarketCap))
	if !asOf.IsZero() {
		fmt.Fprintf(&b, "- As of: %s (%s session)\n", asOf.Format("2006-01-02 15:04 MST"), SessionForNY(asOf))
	}

	n := min(len(snap.Dates), len(snap.Trend))
	if n > 0 {
		fmt.Fprintf(&b, "\nThe %d-day closing prices:\n", n)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "- %s: $%s\n", snap.Dates[i], money(snap.Trend[i]))
		}
	}

	fmt.Fprintf(&b, "\nBased on this real-time data, %s", query)
	return b.String()
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// marketCap renders numbers with separators and passes strings through.
func marketCap(v any) string {
	switch x := v.(type) {
	case nil:
		return "Unknown"
	case float64:
		return "$" + humanize.Comma(int64(math.Round(x)))
	case int64:
		return "$" + humanize.Comma(x)
	case int:
		return "$" + humanize.Comma(int64(x))
	case string:
		if x == "" {
			return "Unknown"
		}
		return x
	default:
		return fmt.Sprint(x)
	}
}
