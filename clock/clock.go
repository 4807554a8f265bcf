// Package clock provides the time source of the scheduling engine. Every
// "now" read of the worker and of due-time computations goes through a
// Clock so that a simulated clock can compress days into minutes.
package clock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotSimulated is returned when virtual time is changed in REAL mode.
var ErrNotSimulated = errors.New("clock is not in simulated mode")

// Clock is a source of the current time.
type Clock interface {
	Now() time.Time
}

// Mode is the operating mode of a Controller.
type Mode string

const (
	ModeReal      Mode = "REAL"
	ModeSimulated Mode = "SIMULATED"
)

// ParseMode reads a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeReal:
		return ModeReal, nil
	case ModeSimulated:
		return ModeSimulated, nil
	}
	return "", fmt.Errorf("unknown clock mode %q", s)
}

// JumpSize is one of the fixed operator jumps of virtual time.
type JumpSize time.Duration

const (
	Jump10Minutes = JumpSize(10 * time.Minute)
	Jump1Hour     = JumpSize(time.Hour)
	Jump1Day      = JumpSize(24 * time.Hour)
)

// ParseJump reads "10m", "1h" or "1d".
func ParseJump(s string) (JumpSize, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "10m":
		return Jump10Minutes, nil
	case "1h":
		return Jump1Hour, nil
	case "1d":
		return Jump1Day, nil
	}
	return 0, fmt.Errorf("unknown jump %q, expected 10m, 1h or 1d", s)
}

func (j JumpSize) String() string {
	switch j {
	case Jump10Minutes:
		return "10m"
	case Jump1Hour:
		return "1h"
	case Jump1Day:
		return "1d"
	}
	return time.Duration(j).String()
}

// Controller is a Clock whose mode and virtual time can be changed by an
// operator.
type Controller interface {
	Clock
	Mode() Mode
	SetMode(mode Mode) error
	// AdvanceBy moves virtual time forward by d.
	AdvanceBy(d time.Duration) error
	Jump(size JumpSize) error
	SetFastForward(enabled bool) error
	FastForward() bool
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}
