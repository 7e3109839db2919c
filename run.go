package main

import (
	"time"

	"github.com/google/uuid"
)

// RunContext is computed once at program start and stamped into every query event.
type RunContext struct {
	ID      string
	StartNY time.Time
}

func newRunContext(locNY *time.Location) RunContext {
	now := time.Now().In(locNY)
	return RunContext{
		ID:      uuid.NewString(),
		StartNY: time.UnixMilli(now.UnixMilli()).In(locNY), // ms precision, no monotonic
	}
}
