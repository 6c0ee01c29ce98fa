package t1

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/younglifestyle/t1go/atr"
	"github.com/younglifestyle/t1go/common"
	"github.com/younglifestyle/t1go/transport"
)

// Session is the application-facing handle: one card, one transport, one
// exchange in flight at a time. Obtained from a Builder; Build has already
// cold-reset the card and parsed its ATR.
type Session struct {
	id     string
	eng    *engine
	shim   *transport.Shim
	logger common.Logger

	busy   *atomic.Bool
	closed *atomic.Bool
}

// ID returns the session trace id carried in log fields.
func (s *Session) ID() string { return s.id }

// ATR returns a copy of the raw Answer-To-Reset bytes, for pass-through to
// higher-layer card-type detection.
func (s *Session) ATR() []byte {
	raw := s.eng.atrInfo.Raw
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// ATRInfo returns the parsed ATR parameters.
func (s *Session) ATRInfo() *atr.Info { return s.eng.atrInfo }

// Transmit sends a command APDU and assembles the response APDU into
// rapdu, returning the filled prefix. On success the last two bytes are
// SW1 SW2.
func (s *Session) Transmit(capdu []byte, rapdu []byte) ([]byte, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return s.eng.transmit(capdu, rapdu)
}

// Reset cold-resets the card and re-reads the ATR, discarding all protocol
// state.
func (s *Session) Reset() error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	if err := s.eng.coldReset(); err != nil {
		return err
	}
	return s.advertise()
}

// Close releases the transport. Safe to call more than once; Transmit and
// Reset fail with ErrSessionClosed afterwards.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("session closed", "session", s.id)
	return s.shim.Close()
}

func (s *Session) acquire() (func(), error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	return func() { s.busy.Store(false) }, nil
}

func (s *Session) advertise() error {
	if s.eng.ifsd == 0 {
		return nil
	}
	if err := s.advertiseOnce(); err != nil {
		var opErr *transport.OpError
		if errors.As(err, &opErr) {
			return err
		}
		// A card that ignores IFS negotiation still talks T=1 with the
		// default sizes.
		s.logger.Warn("IFSD advertisement failed", "session", s.id, "error", err)
	}
	return nil
}

func (s *Session) advertiseOnce() error { return s.eng.advertiseIFSD() }

// Builder collects the transport callbacks and the session tuning knobs.
// Zero values fall back to the ISO defaults.
type Builder struct {
	cb       transport.Callbacks
	sad, dad byte
	logger   common.Logger
	clock    atr.Clock
	timeouts *Timeouts
	retries  int
	ifsd     int
	noIFSD   bool
}

// NewBuilder returns a Builder with default NAD 0/0, three retries and an
// IFSD of 254.
func NewBuilder() *Builder {
	return &Builder{
		logger:  common.NopLogger(),
		clock:   atr.DefaultClock(),
		retries: defaultRetries,
		ifsd:    defaultIFSD,
	}
}

// SetCallbacks supplies the transport capability set.
func (b *Builder) SetCallbacks(cb transport.Callbacks) *Builder {
	b.cb = cb
	return b
}

// SetNAD sets the source and destination addresses carried in every block.
func (b *Builder) SetNAD(sad, dad byte) *Builder {
	b.sad, b.dad = sad, dad
	return b
}

// SetLogger installs a logger; the default discards everything.
func (b *Builder) SetLogger(l common.Logger) *Builder {
	if l != nil {
		b.logger = l
	}
	return b
}

// SetClock supplies the electrical parameters used to derive CWT and BWT
// from the ATR.
func (b *Builder) SetClock(c atr.Clock) *Builder {
	b.clock = c
	return b
}

// SetTimeouts overrides the waiting-time defaults. ATR-derived BWT/CWT
// still replace the block timings once the card has answered.
func (b *Builder) SetTimeouts(t *Timeouts) *Builder {
	b.timeouts = t
	return b
}

// SetRetries sets the per-block retransmission budget.
func (b *Builder) SetRetries(n int) *Builder {
	if n > 0 {
		b.retries = n
	}
	return b
}

// SetIFSD sets the information field size advertised to the card after
// reset. Zero disables the advertisement.
func (b *Builder) SetIFSD(n int) *Builder {
	b.ifsd = n
	b.noIFSD = n == 0
	return b
}

// Build opens the transport, cold-resets the card, parses the ATR and
// advertises the IFSD. The returned session owns the transport handle
// until Close.
func (b *Builder) Build() (*Session, error) {
	if b.sad > 0x0f || b.dad > 0x0f {
		return nil, errors.New("t1: NAD addresses are 4-bit")
	}
	if b.ifsd < 0 || b.ifsd > 254 {
		return nil, errors.New("t1: IFSD out of range")
	}

	shim, err := transport.NewShim(b.cb, b.logger)
	if err != nil {
		return nil, err
	}
	if err := shim.Open(); err != nil {
		return nil, err
	}

	eng := newEngine(shim, b.logger)
	eng.setNAD(b.sad, b.dad)
	eng.retryLimit = b.retries
	eng.clock = b.clock
	if b.timeouts != nil {
		eng.timeouts = b.timeouts
	}
	if b.noIFSD {
		eng.ifsd = 0
	} else {
		eng.ifsd = byte(b.ifsd)
	}

	s := &Session{
		id:     uuid.NewString(),
		eng:    eng,
		shim:   shim,
		logger: b.logger,
		busy:   atomic.NewBool(false),
		closed: atomic.NewBool(false),
	}

	if err := eng.coldReset(); err != nil {
		_ = shim.Close()
		return nil, err
	}
	if err := s.advertise(); err != nil {
		_ = shim.Close()
		return nil, err
	}

	b.logger.Info("session established",
		"session", s.id,
		"nad_tx", eng.nadTx,
		"retries", eng.retryLimit)
	return s, nil
}
