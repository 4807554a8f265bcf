package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/coachrules/internal/logger"
)

// DefaultFastForwardMultiplier advances virtual time by one hour every ten
// wall-clock seconds.
const DefaultFastForwardMultiplier = 360

// Simulated is a Controller. In REAL mode it reads its wall clock. In
// SIMULATED mode it holds a virtual timestamp that only moves through
// AdvanceBy, Jump or fast-forward, which advances it Multiplier times faster
// than the wall clock. It is safe for concurrent use.
type Simulated struct {
	mu          sync.Mutex
	wall        func() time.Time
	multiplier  int
	mode        Mode
	virtual     time.Time
	fastForward bool
	// anchor is the wall time fast-forward progress is measured from.
	anchor time.Time
}

// NewSimulated creates a controller in REAL mode. A multiplier below 1 uses
// DefaultFastForwardMultiplier.
func NewSimulated(multiplier int) *Simulated {
	return NewSimulatedWithWall(multiplier, time.Now)
}

// NewSimulatedWithWall creates a controller reading wall instead of the
// system clock.
func NewSimulatedWithWall(multiplier int, wall func() time.Time) *Simulated {
	if multiplier < 1 {
		multiplier = DefaultFastForwardMultiplier
	}
	return &Simulated{
		wall:       wall,
		multiplier: multiplier,
		mode:       ModeReal,
	}
}

// Now returns the wall time in REAL mode and the virtual time otherwise.
func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeReal {
		return s.wall()
	}
	s.settle()
	return s.virtual
}

// Mode returns the current mode.
func (s *Simulated) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches modes. Entering SIMULATED starts virtual time at the
// current wall time; returning to REAL discards it and stops fast-forward.
func (s *Simulated) SetMode(mode Mode) error {
	if mode != ModeReal && mode != ModeSimulated {
		return fmt.Errorf("unknown clock mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == mode {
		return nil
	}
	s.mode = mode
	s.fastForward = false
	if mode == ModeSimulated {
		s.virtual = s.wall()
	} else {
		s.virtual = time.Time{}
	}
	logger.Info("clock mode changed", "mode", string(mode))
	return nil
}

// AdvanceBy moves virtual time forward by d.
func (s *Simulated) AdvanceBy(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("cannot move the clock backwards by %s", d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeSimulated {
		return ErrNotSimulated
	}
	s.settle()
	s.virtual = s.virtual.Add(d)
	return nil
}

// Jump advances virtual time by one of the fixed operator jumps.
func (s *Simulated) Jump(size JumpSize) error {
	switch size {
	case Jump10Minutes, Jump1Hour, Jump1Day:
	default:
		return fmt.Errorf("unsupported jump %s", size)
	}
	if err := s.AdvanceBy(time.Duration(size)); err != nil {
		return err
	}
	logger.Info("clock jumped", "jump", size.String())
	return nil
}

// SetFastForward starts or stops continuous fast-forward.
func (s *Simulated) SetFastForward(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeSimulated {
		return ErrNotSimulated
	}
	if s.fastForward == enabled {
		return nil
	}
	s.settle()
	s.fastForward = enabled
	s.anchor = s.wall()
	logger.Info("clock fast-forward changed", "enabled", enabled)
	return nil
}

// FastForward reports whether fast-forward is running.
func (s *Simulated) FastForward() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fastForward
}

// settle folds fast-forward progress since anchor into virtual. Callers hold mu.
func (s *Simulated) settle() {
	if !s.fastForward {
		return
	}
	now := s.wall()
	if elapsed := now.Sub(s.anchor); elapsed > 0 {
		s.virtual = s.virtual.Add(elapsed * time.Duration(s.multiplier))
	}
	s.anchor = now
}
