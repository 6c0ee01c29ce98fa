package atr

import "time"

// Clock carries the electrical parameters needed to turn the waiting-time
// exponents of the ATR into wall-clock durations. The transport is assumed
// to have settled Fi/Di already (no PPS here), so the defaults describe the
// reset values of ISO/IEC 7816-3: 372 clocks per etu at a conservative
// 4 MHz card clock.
type Clock struct {
	// Frequency is the card clock in Hz.
	Frequency float64
	// Fi is the clock rate conversion integer.
	Fi int
	// Di is the baud rate adjustment integer.
	Di int
}

// DefaultClock returns the reset-state clock parameters.
func DefaultClock() Clock {
	return Clock{Frequency: 4_000_000, Fi: 372, Di: 1}
}

func (c Clock) normalised() Clock {
	if c.Frequency <= 0 {
		c.Frequency = 4_000_000
	}
	if c.Fi <= 0 {
		c.Fi = 372
	}
	if c.Di <= 0 {
		c.Di = 1
	}
	return c
}

// ETU returns the elementary time unit, Fi/(Di*f).
func (c Clock) ETU() time.Duration {
	c = c.normalised()
	sec := float64(c.Fi) / (float64(c.Di) * c.Frequency)
	return time.Duration(sec * float64(time.Second))
}

// CWT returns the character waiting time, (11 + 2^CWI) etu, rounded up to
// a millisecond so a coarse transport clock cannot starve the receiver.
func (i *Info) CWT(c Clock) time.Duration {
	d := time.Duration(11+(int64(1)<<i.CWI)) * c.ETU()
	return ceilMillis(d)
}

// BWT returns the block waiting time, 11 etu + 2^BWI * 960 * 372/f seconds.
func (i *Info) BWT(c Clock) time.Duration {
	c = c.normalised()
	sec := float64(int64(1)<<i.BWI) * 960 * 372 / c.Frequency
	d := 11*c.ETU() + time.Duration(sec*float64(time.Second))
	return ceilMillis(d)
}

func ceilMillis(d time.Duration) time.Duration {
	if r := d % time.Millisecond; r != 0 {
		d += time.Millisecond - r
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
