package main

import (
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

// financeKeywordRe is a heuristic, not a parser; false positives such as
// "window" matching "dow" are accepted.
var financeKeywordRe = regexp.MustCompile(`(?i)stock|price|market|share|ticker|investment|trading|nasdaq|nyse|dow|s&p|sp500|etf|fund|dividend|earnings|company|performance`)

// marketContextRe qualifies an ambiguous company name.
var marketContextRe = regexp.MustCompile(`(?i)\b(?:buy|buying|sell|selling|invest|investing|shares?|stocks?|bullish|bearish|outlook|valuation|rally|quarter|results|ipo)\b`)

var (
	cashtagRe     = regexp.MustCompile(`\$([A-Za-z]{1,6})\b`)
	symbolTokenRe = regexp.MustCompile(`\b[A-Z]{1,10}(?:\.[A-Z]{1,3})?\b`)
)

const (
	TriggerKeyword = "keyword"
	TriggerCashtag = "cashtag"
	TriggerAlias   = "alias"
	TriggerSymbol  = "symbol"
)

type Classification struct {
	Finance bool
	Trigger string
	Ticker  string // best-effort symbol hint, may be empty
}

type aliasTable struct {
	names     *regexp.Regexp // nil when there are no aliases
	bySym     map[string]struct{}
	symOf     map[string]string
	ambiguous map[string]bool
	entries   int
}

// Classifier decides whether a query is about markets. The alias table can be
// swapped at runtime while requests are being classified.
type Classifier struct {
	table atomic.Pointer[aliasTable]
}

func NewClassifier(aliases []TickerAlias) *Classifier {
	c := &Classifier{}
	c.SetTickers(aliases)
	return c
}

func (c *Classifier) SetTickers(aliases []TickerAlias) {
	t := &aliasTable{
		bySym:     make(map[string]struct{}, len(aliases)),
		symOf:     make(map[string]string, len(aliases)),
		ambiguous: make(map[string]bool),
		entries:   len(aliases),
	}
	names := make([]string, 0, len(aliases))
	for _, a := range aliases {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		sym := strings.ToUpper(strings.TrimSpace(a.Symbol))
		if sym == "" {
			continue
		}
		t.bySym[sym] = struct{}{}
		if name != "" {
			if _, dup := t.symOf[name]; !dup {
				t.symOf[name] = sym
				if a.Ambiguous {
					t.ambiguous[name] = true
				}
				names = append(names, regexp.QuoteMeta(name))
			}
		}
	}
	if len(names) > 0 {
		// Longest first so "hdfc bank" wins over a shorter overlapping alias.
		sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
		t.names = regexp.MustCompile(`(?i)\b(?:` + strings.Join(names, "|") + `)\b`)
	}
	c.table.Store(t)
}

func (c *Classifier) Size() int { return c.table.Load().entries }

func (c *Classifier) Classify(query string) Classification {
	t := c.table.Load()
	var out Classification

	if m := cashtagRe.FindStringSubmatch(query); m != nil {
		out = Classification{Finance: true, Trigger: TriggerCashtag, Ticker: strings.ToUpper(m[1])}
	}
	if out.Ticker == "" && t.names != nil {
		for _, m := range t.names.FindAllString(query, -1) {
			name := strings.ToLower(m)
			if t.ambiguous[name] && !hasMarketContext(query) {
				continue
			}
			out = Classification{Finance: true, Trigger: TriggerAlias, Ticker: t.symOf[name]}
			break
		}
	}
	if out.Ticker == "" {
		for _, tok := range symbolTokenRe.FindAllString(query, -1) {
			// one-letter symbols (V, T) need a cashtag or an alias
			if len(tok) < 2 {
				continue
			}
			if _, ok := t.bySym[tok]; ok {
				out = Classification{Finance: true, Trigger: TriggerSymbol, Ticker: tok}
				break
			}
		}
	}
	if !out.Finance && financeKeywordRe.MatchString(query) {
		out = Classification{Finance: true, Trigger: TriggerKeyword}
	}
	return out
}

func hasMarketContext(query string) bool {
	return marketContextRe.MatchString(query) || financeKeywordRe.MatchString(query)
}

func (c *Classifier) IsFinance(query string) bool { return c.Classify(query).Finance }
