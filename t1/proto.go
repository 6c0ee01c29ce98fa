// Package t1 drives the ISO/IEC 7816-3 T=1 half-duplex block protocol over
// a caller-supplied byte transport: sequence numbering, chaining,
// retransmission, supervisory negotiation and the recovery ladder.
package t1

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/younglifestyle/t1go/atr"
	"github.com/younglifestyle/t1go/codec"
	"github.com/younglifestyle/t1go/common"
	"github.com/younglifestyle/t1go/transport"
)

const (
	defaultRetries   = 3
	defaultIFSC      = 32
	defaultIFSD      = 254
	defaultWTXRounds = 200
)

// engine is the per-session protocol state machine. It is not safe for
// concurrent use; the Session facade serialises access.
type engine struct {
	shim   *transport.Shim
	logger common.Logger

	// configuration
	nadTx      byte // NAD of blocks we send: DAD high nibble, SAD low
	nadRx      byte // NAD expected on blocks from the card
	retryLimit int
	wtxLimit   int
	ifsd       byte
	clock      atr.Clock
	timeouts   *Timeouts

	// ATR-derived
	atrInfo *atr.Info
	conv    codec.Convention
	edc     codec.Mode
	ifsc    byte

	// sequence state
	sendSeq uint8 // N(S) of the next I-block we send
	recvSeq uint8 // N(S) expected on the next I-block from the card

	sParam [1]byte // parameter byte echoed in IFS/WTX responses

	txBuf [codec.MaxFrame]byte
	rxBuf [codec.MaxFrame]byte
}

func newEngine(shim *transport.Shim, logger common.Logger) *engine {
	return &engine{
		shim:       shim,
		logger:     logger,
		retryLimit: defaultRetries,
		wtxLimit:   defaultWTXRounds,
		ifsd:       defaultIFSD,
		clock:      atr.DefaultClock(),
		timeouts:   NewTimeouts(),
		ifsc:       defaultIFSC,
	}
}

func (e *engine) setNAD(sad, dad byte) {
	e.nadTx = dad<<4 | sad
	e.nadRx = sad<<4 | dad
}

func (e *engine) resetSequences() {
	e.sendSeq = 0
	e.recvSeq = 0
}

// coldReset pulses the reset line, reads and applies the ATR, and resets
// the protocol state.
func (e *engine) coldReset() error {
	if err := e.shim.Reset(); err != nil {
		return err
	}

	info, err := e.readATR()
	if err != nil {
		return &AtrError{Err: err}
	}

	e.atrInfo = info
	e.conv = info.Convention
	e.edc = info.EDC
	e.ifsc = info.IFSC
	if info.HasT1() {
		e.timeouts.SetCWT(info.CWT(e.clock))
		e.timeouts.SetBWT(info.BWT(e.clock))
	}
	e.resetSequences()

	e.logger.Info("card reset",
		"atr", common.Hex(info.Raw),
		"convention", e.conv,
		"edc", e.edc,
		"ifsc", e.ifsc,
		"bwt", e.timeouts.BWT(),
		"cwt", e.timeouts.CWT())
	return nil
}

// readATR pulls the answer byte by byte: the card gets the first-byte
// budget to produce TS and the shorter per-character budget afterwards.
func (e *engine) readATR() (*atr.Info, error) {
	first := true
	return atr.Parse(byteReaderFunc(func() (byte, error) {
		budget := e.timeouts.ATRByte()
		if first {
			first = false
			budget = e.timeouts.ATRFirstByte()
		}
		return e.shim.ReadByte(e.shim.NewDeadline(budget))
	}))
}

type byteReaderFunc func() (byte, error)

func (f byteReaderFunc) ReadByte() (byte, error) { return f() }

// writeBlock encodes blk into the session buffer, applies the byte
// convention and pushes it out in one write.
func (e *engine) writeBlock(blk codec.Block) error {
	frame, err := codec.Encode(e.txBuf[:0], blk, e.edc)
	if err != nil {
		return err
	}
	e.logger.Debug("TX", "block", blk, "frame", common.Hex(frame))
	e.conv.TransformInPlace(frame)
	return e.shim.WriteAll(frame)
}

// readProtoByte reads one protocol character within the character waiting
// time and undoes the byte convention.
func (e *engine) readProtoByte() (byte, error) {
	b, err := e.shim.ReadByte(e.shim.NewDeadline(e.timeouts.CWT()))
	if err != nil {
		return 0, err
	}
	return e.conv.Transform(b), nil
}

// readBlock receives one block. The first character is awaited within
// deadline (BWT, possibly WTX-extended); every later character within CWT.
// Leading bytes that are not the card's NAD are treated as line noise and
// skipped until the deadline runs out.
func (e *engine) readBlock(deadline *transport.Clock) (codec.Block, error) {
	for {
		b, err := e.shim.ReadByte(deadline)
		if err != nil {
			return codec.Block{}, err
		}
		if e.conv.Transform(b) == e.nadRx {
			break
		}
		deadline.Charge(time.Millisecond)
		if deadline.Expired() {
			return codec.Block{}, transport.ErrTimeout
		}
	}
	e.rxBuf[0] = e.nadRx

	for i := 1; i < 3; i++ {
		b, err := e.readProtoByte()
		if err != nil {
			return codec.Block{}, err
		}
		e.rxBuf[i] = b
	}
	hdr, err := codec.ParseHeader(e.rxBuf[:3])
	if err != nil {
		return codec.Block{}, err
	}

	n := 3 + hdr.BodyLen(e.edc)
	for i := 3; i < n; i++ {
		b, err := e.readProtoByte()
		if err != nil {
			return codec.Block{}, err
		}
		e.rxBuf[i] = b
	}

	blk, err := codec.Decode(e.rxBuf[:n], e.edc)
	if err != nil {
		return codec.Block{}, err
	}
	e.logger.Debug("RX", "block", blk, "frame", common.Hex(e.rxBuf[:n]))
	return blk, nil
}

// transmit exchanges one APDU, climbing the recovery ladder on persistent
// failure. On success rapdu[:n] holds the assembled response.
func (e *engine) transmit(capdu, rapdu []byte) ([]byte, error) {
	if e.atrInfo == nil {
		return nil, errors.New("t1: no ATR, session not reset")
	}
	if len(capdu) == 0 {
		return nil, errors.New("t1: empty command APDU")
	}

	ladder := NewRecoveryLadder()
	var lastErr error

attempt:
	for {
		n, err := e.runAPDU(capdu, rapdu)
		if err == nil {
			return rapdu[:n], nil
		}
		if isFatal(err) {
			return nil, err
		}
		lastErr = err

		for {
			switch ladder.Escalate() {
			case StateResynch:
				e.logger.Warn("escalating to resynch", "cause", lastErr)
				if rerr := e.resynch(); rerr == nil {
					continue attempt
				} else if isFatal(rerr) {
					return nil, rerr
				}
			case StateReset:
				e.logger.Warn("escalating to cold reset", "cause", lastErr)
				if rerr := e.coldReset(); rerr == nil {
					if e.ifsd != 0 {
						if aerr := e.advertiseIFSD(); aerr != nil {
							if isFatal(aerr) {
								return nil, aerr
							}
							e.logger.Warn("IFSD re-advertisement failed", "error", aerr)
						}
					}
					continue attempt
				} else if isFatal(rerr) {
					return nil, rerr
				}
			default:
				return nil, fmt.Errorf("%w (last error: %w)", ErrCardMute, lastErr)
			}
		}
	}
}

// runAPDU performs one full attempt at the APDU exchange: outbound
// chaining, inbound assembly, supervisory traffic and the per-block retry
// budget. Recovery beyond retransmission is the caller's business.
func (e *engine) runAPDU(capdu, rapdu []byte) (int, error) {
	retries := e.retryLimit
	wtxRounds := e.wtxLimit
	txOff := 0
	rxLen := 0
	txDone := false // final fragment acknowledged
	wtx := 1

	// A failed receive consumes a retry and solicits a retransmission
	// with the matching R code; exhaustion hands err to the ladder.
	var out, outstanding codec.Block

	nextFragment := func() codec.Block {
		n := len(capdu) - txOff
		if n > int(e.ifsc) {
			n = int(e.ifsc)
		}
		more := txOff+n < len(capdu)
		blk := codec.NewIBlock(e.nadTx, e.sendSeq, more, capdu[txOff:txOff+n])
		outstanding = blk
		return blk
	}
	out = nextFragment()

	for {
		if err := e.writeBlock(out); err != nil {
			return 0, err
		}

		deadline := e.shim.NewDeadline(e.timeouts.BWT() * time.Duration(wtx))
		wtx = 1
		in, err := e.readBlock(deadline)
		if err != nil {
			var opErr *transport.OpError
			if errors.As(err, &opErr) {
				return 0, err
			}
			if retries--; retries < 0 {
				return 0, err
			}
			code := byte(codec.RCodeOther)
			switch {
			case errors.Is(err, transport.ErrTimeout):
				code = codec.RCodeOK
			case errors.Is(err, codec.ErrEDC):
				code = codec.RCodeEDC
			}
			out = codec.NewRBlock(e.nadTx, code, e.recvSeq)
			continue
		}

		switch in.Kind() {
		case codec.KindI:
			if !txDone {
				if outstanding.More() {
					// Card must not open its reply while we chain.
					if retries--; retries < 0 {
						return 0, fmt.Errorf("%w: I-block during outbound chaining", ErrUnexpectedBlock)
					}
					out = outstanding
					continue
				}
				// First response I-block implicitly acknowledges our
				// final fragment.
				txDone = true
				e.sendSeq ^= 1
			}

			if in.Seq() != e.recvSeq {
				// Duplicate: our acknowledgement was lost, repeat it.
				if retries--; retries < 0 {
					return 0, fmt.Errorf("%w: repeated I-block N(S)=%d", ErrUnexpectedBlock, in.Seq())
				}
				continue
			}

			if rxLen+len(in.INF) > len(rapdu) {
				return 0, ErrBufferTooSmall
			}
			copy(rapdu[rxLen:], in.INF)
			rxLen += len(in.INF)
			e.recvSeq ^= 1
			retries = e.retryLimit
			wtxRounds = e.wtxLimit

			if in.More() {
				out = codec.NewRBlock(e.nadTx, codec.RCodeOK, e.recvSeq)
				continue
			}
			return rxLen, nil

		case codec.KindR:
			if in.RCode() != codec.RCodeOK {
				// Card saw a broken frame: retransmit our last block.
				if retries--; retries < 0 {
					return 0, fmt.Errorf("%w: R code %d", ErrUnexpectedBlock, in.RCode())
				}
				continue
			}
			if !txDone && in.NR() != e.sendSeq {
				// Positive acknowledgement of the outstanding fragment.
				e.sendSeq ^= 1
				txOff += len(outstanding.INF)
				retries = e.retryLimit
				wtxRounds = e.wtxLimit
				if txOff < len(capdu) {
					out = nextFragment()
					continue
				}
				// Final fragment acked by R instead of data: poll for
				// the response block.
				txDone = true
				out = codec.NewRBlock(e.nadTx, codec.RCodeOK, e.recvSeq)
				continue
			}
			// Card wants our last I-block again.
			if retries--; retries < 0 {
				return 0, fmt.Errorf("%w: repeated R(%d)", ErrUnexpectedBlock, in.NR())
			}
			if !txDone {
				out = outstanding
			}
			continue

		case codec.KindS:
			if in.SResponse() {
				if in.SType() == codec.SResynch {
					e.resetSequences()
					e.ifsc = defaultIFSC
					return 0, ErrResynchronised
				}
				if retries--; retries < 0 {
					return 0, fmt.Errorf("%w: unsolicited S response %#02x", ErrUnexpectedBlock, in.SType())
				}
				continue
			}

			switch in.SType() {
			case codec.SIfs:
				if len(in.INF) != 1 || in.INF[0] == 0 || in.INF[0] == 255 {
					if retries--; retries < 0 {
						return 0, fmt.Errorf("%w: bad IFS request", ErrProtocol)
					}
					continue
				}
				e.ifsc = in.INF[0]
				e.logger.Debug("IFSC updated by card", "ifsc", e.ifsc)
				e.sParam[0] = in.INF[0]
				out = codec.NewSBlock(e.nadTx, codec.SIfs, true, e.sParam[:])
				continue

			case codec.SWtx:
				if len(in.INF) != 1 {
					if retries--; retries < 0 {
						return 0, fmt.Errorf("%w: bad WTX request", ErrProtocol)
					}
					continue
				}
				if wtxRounds--; wtxRounds <= 0 {
					return 0, fmt.Errorf("%w: WTX rounds exhausted", ErrProtocol)
				}
				m := in.INF[0]
				if m == 0 {
					m = 1
				}
				wtx = int(m)
				e.sParam[0] = in.INF[0]
				out = codec.NewSBlock(e.nadTx, codec.SWtx, true, e.sParam[:])
				continue

			case codec.SAbort:
				resp := codec.NewSBlock(e.nadTx, codec.SAbort, true, nil)
				if err := e.writeBlock(resp); err != nil {
					return 0, err
				}
				return 0, ErrAborted

			default:
				// Resynch requests and reserved sub-types get no reply;
				// the retry loop repeats our last block.
				if retries--; retries < 0 {
					return 0, fmt.Errorf("%w: S request %#02x", ErrUnexpectedBlock, in.SType())
				}
				continue
			}
		}
	}
}

// resynch sends a single S(RESYNCH request) and, on the matching response,
// resets both sequence numbers and the card's information field size.
func (e *engine) resynch() error {
	if err := e.writeBlock(codec.NewSBlock(e.nadTx, codec.SResynch, false, nil)); err != nil {
		return err
	}
	in, err := e.readBlock(e.shim.NewDeadline(e.timeouts.BWT()))
	if err != nil {
		return err
	}
	if in.Kind() != codec.KindS || !in.SResponse() || in.SType() != codec.SResynch {
		return fmt.Errorf("%w: awaiting resynch response, got %v", ErrUnexpectedBlock, in)
	}
	e.resetSequences()
	e.ifsc = defaultIFSC
	e.logger.Info("resynchronised")
	return nil
}

// advertiseIFSD announces our information field size once after the ATR,
// retrying broken reads within the usual budget.
func (e *engine) advertiseIFSD() error {
	e.sParam[0] = e.ifsd
	out := codec.NewSBlock(e.nadTx, codec.SIfs, false, e.sParam[:])

	retries := e.retryLimit
	for {
		if err := e.writeBlock(out); err != nil {
			return err
		}
		in, err := e.readBlock(e.shim.NewDeadline(e.timeouts.BWT()))
		if err != nil {
			var opErr *transport.OpError
			if errors.As(err, &opErr) {
				return err
			}
			if retries--; retries < 0 {
				return err
			}
			continue
		}
		if in.Kind() == codec.KindS && in.SResponse() && in.SType() == codec.SIfs &&
			bytes.Equal(in.INF, []byte{e.ifsd}) {
			e.logger.Debug("IFSD advertised", "ifsd", e.ifsd)
			return nil
		}
		if retries--; retries < 0 {
			return fmt.Errorf("%w: awaiting IFS response, got %v", ErrUnexpectedBlock, in)
		}
	}
}
