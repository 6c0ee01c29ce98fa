package t1

import (
	"errors"
	"fmt"

	"github.com/younglifestyle/t1go/codec"
	"github.com/younglifestyle/t1go/transport"
)

var (
	// ErrTimeout is surfaced when a block or character waiting time
	// elapses and the retry budget is spent.
	ErrTimeout = transport.ErrTimeout
	// ErrEDC mirrors the codec checksum failure.
	ErrEDC = codec.ErrEDC
	// ErrMalformed mirrors the codec framing failure.
	ErrMalformed = codec.ErrMalformed

	// ErrCardMute is returned once the whole recovery ladder (retries,
	// resynchronisation, cold reset) has been exhausted. The session
	// should be considered dead until rebuilt.
	ErrCardMute = errors.New("t1: card mute")
	// ErrAborted is returned when the card raises S(ABORT request).
	ErrAborted = errors.New("t1: exchange aborted by card")
	// ErrBufferTooSmall is returned when the assembled response would
	// overflow the caller's buffer. The session stays valid.
	ErrBufferTooSmall = errors.New("t1: response buffer too small")
	// ErrUnexpectedBlock is returned when the card keeps answering with
	// blocks the current exchange cannot interpret.
	ErrUnexpectedBlock = errors.New("t1: unexpected block")
	// ErrResynchronised is returned after an unsolicited resynchronisation:
	// sequence state was reset and the caller may retry the APDU.
	ErrResynchronised = errors.New("t1: sequence numbers resynchronised")
	// ErrProtocol covers malformed supervisory parameters and exhausted
	// wait-time-extension rounds.
	ErrProtocol = errors.New("t1: protocol violation")

	// ErrSessionBusy is returned when a second call is made while one is
	// in flight. The session is strictly single-threaded.
	ErrSessionBusy = errors.New("t1: session busy")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("t1: session closed")
)

// AtrError wraps a failure while reading or parsing the Answer-To-Reset.
type AtrError struct {
	Err error
}

func (e *AtrError) Error() string { return fmt.Sprintf("t1: atr: %v", e.Err) }

func (e *AtrError) Unwrap() error { return e.Err }

// isFatal reports errors that terminate a Transmit call without climbing
// the recovery ladder.
func isFatal(err error) bool {
	var opErr *transport.OpError
	switch {
	case errors.As(err, &opErr):
		return true
	case errors.Is(err, ErrAborted),
		errors.Is(err, ErrBufferTooSmall),
		errors.Is(err, ErrResynchronised):
		return true
	}
	return false
}
