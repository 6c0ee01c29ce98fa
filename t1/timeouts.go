package t1

import "time"

// Timeouts bundles the waiting times of a session. BWT and CWT are
// recomputed from the ATR during Build; the setters exist for transports
// whose drivers impose their own floors.
type Timeouts struct {
	// bwt is the block waiting time: the budget for the first character of
	// the card's block, counted from the end of our block.
	bwt time.Duration
	// cwt is the character waiting time between two adjacent characters of
	// the same block.
	cwt time.Duration
	// atrFirst is how long to wait for TS after a cold reset.
	atrFirst time.Duration
	// atrByte is the budget for every later ATR character.
	atrByte time.Duration
}

// NewTimeouts returns the defaults used before an ATR has been parsed.
func NewTimeouts() *Timeouts {
	return &Timeouts{
		bwt:      300 * time.Millisecond,
		cwt:      100 * time.Millisecond,
		atrFirst: time.Second,
		atrByte:  200 * time.Millisecond,
	}
}

func (t *Timeouts) BWT() time.Duration { return t.bwt }

func (t *Timeouts) SetBWT(d time.Duration) { t.bwt = d }

func (t *Timeouts) CWT() time.Duration { return t.cwt }

func (t *Timeouts) SetCWT(d time.Duration) { t.cwt = d }

func (t *Timeouts) ATRFirstByte() time.Duration { return t.atrFirst }

func (t *Timeouts) SetATRFirstByte(d time.Duration) { t.atrFirst = d }

func (t *Timeouts) ATRByte() time.Duration { return t.atrByte }

func (t *Timeouts) SetATRByte(d time.Duration) { t.atrByte = d }
