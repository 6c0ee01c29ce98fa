package transport

import (
	"errors"
	"time"

	"github.com/younglifestyle/t1go/common"
)

// pollStep is the granularity of the read poll loop. The original Gemalto
// engine polls every 2 ms.
const pollStep = 2 * time.Millisecond

// Shim sits between the protocol engine and the caller's callbacks. It owns
// the opaque handle and turns the loose read/write contracts into the exact
// semantics the engine needs: ReadExact against a deadline, WriteAll until
// drained.
type Shim struct {
	cb     Callbacks
	logger common.Logger

	handle interface{}
	opened bool
}

// NewShim validates the callback set and wraps it. Open must be called
// before any I/O.
func NewShim(cb Callbacks, logger common.Logger) (*Shim, error) {
	if err := cb.validate(); err != nil {
		return nil, err
	}
	if cb.Sleep == nil {
		cb.Sleep = time.Sleep
	}
	if logger == nil {
		logger = common.NopLogger()
	}
	return &Shim{cb: cb, logger: logger}, nil
}

// Open invokes the Init callback and takes ownership of the handle.
func (s *Shim) Open() error {
	if s.opened {
		return errors.New("transport: already open")
	}
	if s.cb.Init != nil {
		h, err := s.cb.Init()
		if err != nil {
			return &OpError{Op: "init", Err: err}
		}
		s.handle = h
	}
	s.opened = true
	return nil
}

// Close invokes the Release callback and drops the handle. Safe to call
// more than once.
func (s *Shim) Close() error {
	if !s.opened {
		return nil
	}
	s.opened = false
	handle := s.handle
	s.handle = nil
	if s.cb.Release != nil {
		if err := s.cb.Release(handle); err != nil {
			return &OpError{Op: "release", Err: err}
		}
	}
	return nil
}

// Reset drives a cold reset through the caller's callback.
func (s *Shim) Reset() error {
	if s.cb.Reset == nil {
		return nil
	}
	if err := s.cb.Reset(s.handle); err != nil {
		return &OpError{Op: "reset", Err: err}
	}
	return nil
}

// Sleep suspends through the caller's callback.
func (s *Shim) Sleep(d time.Duration) { s.cb.Sleep(d) }

// NewDeadline returns a clock charging sleeps against budget.
func (s *Shim) NewDeadline(budget time.Duration) *Clock {
	return NewClock(budget, s.cb.Sleep)
}

// ReadExact fills buf completely or fails. Short and empty reads are
// retried against the clock; expiry surfaces as ErrTimeout.
func (s *Shim) ReadExact(buf []byte, clock *Clock) error {
	filled := 0
	for filled < len(buf) {
		n, err := s.cb.Read(s.handle, buf[filled:])
		if err != nil {
			return &OpError{Op: "read", Err: err}
		}
		if n > len(buf)-filled {
			return &OpError{Op: "read", Err: errors.New("callback returned more than asked")}
		}
		filled += n
		if n == 0 {
			if clock.Expired() {
				return ErrTimeout
			}
			clock.Sleep(pollStep)
		}
	}
	return nil
}

// ReadByte reads a single byte against the clock.
func (s *Shim) ReadByte(clock *Clock) (byte, error) {
	var b [1]byte
	if err := s.ReadExact(b[:], clock); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteAll pushes the whole buffer through the Write callback, looping on
// short writes. A zero-byte write with no error means the transport
// stalled and is reported as such.
func (s *Shim) WriteAll(buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := s.cb.Write(s.handle, buf[written:])
		if err != nil {
			return &OpError{Op: "write", Err: err}
		}
		if n == 0 {
			return &OpError{Op: "write", Err: errors.New("transport stalled")}
		}
		written += n
	}
	return nil
}
