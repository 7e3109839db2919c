package main

import "sort"

// Ticker ordering: count desc, then ticker asc.
func sortTickerRows(rows []TickerRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Ticker < b.Ticker
	})
}
