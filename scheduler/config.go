package scheduler

import (
	"fmt"
	"time"
)

// DuePolicy decides when a participant is evaluated again after a
// monitoring pass.
type DuePolicy string

const (
	// DueDaily evaluates once per day at the intervention's send hour.
	DueDaily DuePolicy = "daily"
	// DueWake evaluates again one wake interval later.
	DueWake DuePolicy = "wake"
)

// ParseDuePolicy reads "daily" or "wake".
func ParseDuePolicy(s string) (DuePolicy, error) {
	switch DuePolicy(s) {
	case DueDaily, DueWake:
		return DuePolicy(s), nil
	}
	return "", fmt.Errorf("unknown due policy %q, expected daily or wake", s)
}

const (
	DefaultWakeInterval          = 300 * time.Second
	DefaultSimulatedWakeInterval = 15 * time.Second
	DefaultHoursUntilUnanswered  = 4
	DefaultHourToSendMessage     = 18
	DefaultConcurrency           = 8
	DefaultBatchSize             = 500
)

// Config holds the worker tunables. Zero values are replaced by defaults.
type Config struct {
	// WakeInterval applies while the clock runs in REAL mode.
	WakeInterval time.Duration
	// SimulatedWakeInterval applies while the clock runs in SIMULATED mode.
	SimulatedWakeInterval time.Duration
	// HoursUntilUnanswered and HourToSendMessage are used when neither the
	// rule nor the intervention overrides them.
	HoursUntilUnanswered int
	HourToSendMessage    int
	DuePolicy            DuePolicy
	// Concurrency bounds the participants evaluated at once.
	Concurrency int
	// BatchSize bounds the participants and reply events read per pass.
	BatchSize int
	// Location is the time zone of send hours and system date variables.
	Location *time.Location
}

func (c Config) normalized() Config {
	if c.WakeInterval <= 0 {
		c.WakeInterval = DefaultWakeInterval
	}
	if c.SimulatedWakeInterval <= 0 {
		c.SimulatedWakeInterval = DefaultSimulatedWakeInterval
	}
	if c.HoursUntilUnanswered <= 0 {
		c.HoursUntilUnanswered = DefaultHoursUntilUnanswered
	}
	if c.HourToSendMessage <= 0 {
		c.HourToSendMessage = DefaultHourToSendMessage
	}
	if c.DuePolicy == "" {
		c.DuePolicy = DueDaily
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}
