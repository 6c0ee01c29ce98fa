// Package atr parses the Answer-To-Reset a card emits after a cold reset
// and derives the T=1 protocol parameters from its interface characters.
package atr

import (
	"errors"
	"fmt"
	"io"

	"github.com/younglifestyle/t1go/codec"
)

// MaxLen is the longest ATR ISO/IEC 7816-3 allows.
const MaxLen = 32

var (
	// ErrBadTS is returned when the initial character is neither the
	// direct nor the inverse convention marker.
	ErrBadTS = errors.New("atr: bad TS character")
	// ErrBadTCK is returned when the check character does not XOR to zero
	// over T0..TCK.
	ErrBadTCK = errors.New("atr: TCK check failed")
	// ErrTruncated is returned when the card stops answering before the
	// structure announced by T0 and the TD chain is complete.
	ErrTruncated = errors.New("atr: truncated answer")
)

// TS values. Under the inverse convention the card's logical 0x3F arrives
// on an LSB-first line as raw 0x03.
const (
	tsDirect     = 0x3b
	tsInverseRaw = 0x03
	tsInverse    = 0x3f
)

// Info holds a parsed ATR. Raw contains the logical byte values, after the
// convention transform.
type Info struct {
	Raw        []byte
	Convention codec.Convention
	Protocols  uint16 // bitmask; bit n set when some TD names T=n
	Historical []byte

	// T=1 specific interface parameters, defaulted when the matching
	// interface characters are absent.
	IFSC byte
	CWI  byte
	BWI  byte
	EDC  codec.Mode
}

// HasT1 reports whether some TD character offered protocol T=1.
func (i *Info) HasT1() bool { return i.Protocols&(1<<1) != 0 }

// Parse reads an ATR from r, which must yield raw wire bytes. The
// convention is decided from TS and applied to every subsequent byte.
func Parse(r io.ByteReader) (*Info, error) {
	ts, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: no TS: %w", ErrTruncated, err)
	}

	info := &Info{
		IFSC: 32,
		CWI:  13,
		BWI:  4,
		EDC:  codec.LRC,
	}
	switch ts {
	case tsDirect:
		info.Convention = codec.Direct
	case tsInverseRaw, tsInverse:
		info.Convention = codec.Inverse
		ts = tsInverse
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrBadTS, ts)
	}
	info.Raw = append(info.Raw, ts)

	next := func(what string) (byte, error) {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrTruncated, what, err)
		}
		b = info.Convention.Transform(b)
		if len(info.Raw) >= MaxLen {
			return 0, fmt.Errorf("%w: longer than %d bytes", ErrBadTS, MaxLen)
		}
		info.Raw = append(info.Raw, b)
		return b, nil
	}

	t0, err := next("T0")
	if err != nil {
		return nil, err
	}
	histCount := int(t0 & 0x0f)

	var (
		tck     byte = t0
		y            = t0 & 0xf0
		group        = 1
		prevT   byte // protocol named by the previous TD
		haveT1A bool
		haveT1B bool
		haveT1C bool
	)

	for y != 0 {
		forT1 := group > 1 && prevT == 1
		if y&0x10 != 0 {
			ta, err := next(fmt.Sprintf("TA%d", group))
			if err != nil {
				return nil, err
			}
			tck ^= ta
			if forT1 && !haveT1A {
				haveT1A = true
				info.IFSC = ta
			}
		}
		if y&0x20 != 0 {
			tb, err := next(fmt.Sprintf("TB%d", group))
			if err != nil {
				return nil, err
			}
			tck ^= tb
			if forT1 && !haveT1B {
				haveT1B = true
				info.CWI = tb & 0x0f
				info.BWI = tb >> 4
			}
		}
		if y&0x40 != 0 {
			tc, err := next(fmt.Sprintf("TC%d", group))
			if err != nil {
				return nil, err
			}
			tck ^= tc
			if forT1 && !haveT1C {
				haveT1C = true
				if tc&0x01 != 0 {
					info.EDC = codec.CRC16
				}
			}
		}
		if y&0x80 == 0 {
			break
		}
		td, err := next(fmt.Sprintf("TD%d", group))
		if err != nil {
			return nil, err
		}
		tck ^= td
		prevT = td & 0x0f
		info.Protocols |= 1 << prevT
		y = td & 0xf0
		group++
	}

	if info.Protocols == 0 {
		info.Protocols = 1 << 0 // no TD at all means T=0 only
	}

	for i := 0; i < histCount; i++ {
		h, err := next(fmt.Sprintf("historical byte %d", i))
		if err != nil {
			return nil, err
		}
		tck ^= h
		info.Historical = append(info.Historical, h)
	}

	// TCK is present unless the ATR offers only T=0.
	if info.Protocols != 1<<0 {
		c, err := next("TCK")
		if err != nil {
			return nil, err
		}
		if tck^c != 0 {
			return nil, fmt.Errorf("%w: residue %#02x", ErrBadTCK, tck^c)
		}
	}

	return info, nil
}
