// Package codec implements the ISO/IEC 7816-3 T=1 block layer: the on-wire
// frame (NAD PCB LEN INF EDC), the two EDC algorithms and the byte
// convention transform.
package codec

import "fmt"

// MaxINF is the largest information field a single T=1 block can carry.
// LEN is one byte and the value 255 is reserved.
const MaxINF = 254

// MaxFrame is the size of a fully encoded block: 3-byte prologue, maximal
// information field and a 2-byte CRC.
const MaxFrame = 3 + MaxINF + 2

// Kind classifies a block by the two high bits of its PCB.
type Kind int

const (
	KindI Kind = iota // information block, carries an APDU fragment
	KindR             // receive-ready block, positive or negative acknowledgement
	KindS             // supervisory block
)

func (k Kind) String() string {
	switch k {
	case KindI:
		return "I"
	case KindR:
		return "R"
	default:
		return "S"
	}
}

// R-block error codes (PCB bits 2..1).
const (
	RCodeOK    = 0x00
	RCodeEDC   = 0x01
	RCodeOther = 0x02
)

// S-block sub-types (PCB bits 6..1; bit 6 distinguishes response from request).
const (
	SResynch = 0x00
	SIfs     = 0x01
	SAbort   = 0x02
	SWtx     = 0x03

	sResponseBit = 0x20
)

// PCB bit masks.
const (
	pcbRBlock    = 0x80
	pcbSBlock    = 0xc0
	pcbISeq      = 0x40 // N(S) of an I-block
	pcbIMore     = 0x20 // chaining bit of an I-block
	pcbRSeq      = 0x10 // N(R) of an R-block
	pcbRCode     = 0x03
	pcbSTypeMask = 0x1f
)

// Block is a decoded T=1 block. INF aliases the buffer it was parsed from
// or built over; callers that retain a Block across exchanges must copy it.
type Block struct {
	NAD byte
	PCB byte
	INF []byte
}

// NewIBlock builds an information block carrying inf. seq is N(S); more
// requests chaining.
func NewIBlock(nad byte, seq uint8, more bool, inf []byte) Block {
	var pcb byte
	if seq != 0 {
		pcb |= pcbISeq
	}
	if more {
		pcb |= pcbIMore
	}
	return Block{NAD: nad, PCB: pcb, INF: inf}
}

// NewRBlock builds a receive-ready block. code is one of the RCode
// constants; nr is N(R), the next send sequence expected from the peer.
func NewRBlock(nad byte, code byte, nr uint8) Block {
	pcb := byte(pcbRBlock) | (code & pcbRCode)
	if nr != 0 {
		pcb |= pcbRSeq
	}
	return Block{NAD: nad, PCB: pcb}
}

// NewSBlock builds a supervisory block of the given sub-type. response
// selects the response form; inf is the one-byte parameter for IFS and WTX,
// empty otherwise.
func NewSBlock(nad byte, subtype byte, response bool, inf []byte) Block {
	pcb := byte(pcbSBlock) | (subtype & pcbSTypeMask)
	if response {
		pcb |= sResponseBit
	}
	return Block{NAD: nad, PCB: pcb, INF: inf}
}

// Kind reports the block class encoded in the PCB.
func (b Block) Kind() Kind {
	if b.PCB&pcbRBlock == 0 {
		return KindI
	}
	if b.PCB&0x40 == 0 {
		return KindR
	}
	return KindS
}

// Seq returns N(S) of an I-block.
func (b Block) Seq() uint8 {
	if b.PCB&pcbISeq != 0 {
		return 1
	}
	return 0
}

// More reports the chaining bit of an I-block.
func (b Block) More() bool { return b.PCB&pcbIMore != 0 }

// NR returns N(R) of an R-block.
func (b Block) NR() uint8 {
	if b.PCB&pcbRSeq != 0 {
		return 1
	}
	return 0
}

// RCode returns the error code of an R-block.
func (b Block) RCode() byte { return b.PCB & pcbRCode }

// SType returns the sub-type of an S-block, without the response bit.
func (b Block) SType() byte { return b.PCB & pcbSTypeMask }

// SResponse reports whether an S-block is a response.
func (b Block) SResponse() bool { return b.PCB&sResponseBit != 0 }

func (b Block) String() string {
	switch b.Kind() {
	case KindI:
		return fmt.Sprintf("I(%d,more=%t,len=%d)", b.Seq(), b.More(), len(b.INF))
	case KindR:
		return fmt.Sprintf("R(%d,code=%d)", b.NR(), b.RCode())
	default:
		return fmt.Sprintf("S(%#02x,resp=%t,len=%d)", b.SType(), b.SResponse(), len(b.INF))
	}
}
