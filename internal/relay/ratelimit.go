package relay

import "time"

// RateLimiter caps Chain-bound submissions per block, per minute, and per
// hour. The block window resets on observed height change; the time
// windows reset when their span elapses. A denied submission must break
// the current pass so cursors never advance over a denial.
type RateLimiter struct {
	perBlock  int
	perMinute int
	perHour   int

	block      uint64
	blockCount int

	minuteStart time.Time
	minuteCount int

	hourStart time.Time
	hourCount int

	now func() time.Time
}

// NewRateLimiter builds a limiter with the given caps. Non-positive caps
// disable the corresponding window.
func NewRateLimiter(perBlock, perMinute, perHour int) *RateLimiter {
	return &RateLimiter{
		perBlock:  perBlock,
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
	}
}

// Allow reports whether one more submission may go out at the given block
// height, and reserves the slot when it may.
func (l *RateLimiter) Allow(block uint64) bool {
	now := l.now()

	if block != l.block {
		l.block = block
		l.blockCount = 0
	}
	if l.minuteStart.IsZero() || now.Sub(l.minuteStart) >= time.Minute {
		l.minuteStart = now
		l.minuteCount = 0
	}
	if l.hourStart.IsZero() || now.Sub(l.hourStart) >= time.Hour {
		l.hourStart = now
		l.hourCount = 0
	}

	if l.perBlock > 0 && l.blockCount >= l.perBlock {
		return false
	}
	if l.perMinute > 0 && l.minuteCount >= l.perMinute {
		return false
	}
	if l.perHour > 0 && l.hourCount >= l.perHour {
		return false
	}

	l.blockCount++
	l.minuteCount++
	l.hourCount++
	return true
}
