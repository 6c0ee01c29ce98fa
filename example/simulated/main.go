// Command simulated runs a full T=1 session against an in-process card.
// The card answers a SELECT with a small BER-TLV FCI template, which is
// decoded and printed. Useful as an end-to-end smoke test without reader
// hardware.
//
// Usage: simulated [retries] [ifsc]
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/moov-io/bertlv"
	"github.com/spf13/cast"

	"github.com/younglifestyle/t1go/codec"
	"github.com/younglifestyle/t1go/common"
	"github.com/younglifestyle/t1go/t1"
	"github.com/younglifestyle/t1go/transport"
)

// fci is the file control information template the simulated card serves.
var fci = []byte{
	0x6f, 0x10, // FCI template
	0x84, 0x07, 0xa0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10, // DF name
	0xa5, 0x05, // proprietary template
	0x88, 0x01, 0x01, // SFI
	0x50, 0x00, // application label (empty)
}

// card is a minimal in-process T=1 card: fixed ATR, LRC checking, single
// response chain per command.
type card struct {
	ifsc    byte
	pending []byte // bytes queued for the host to read
	seq     uint8  // N(S) of the card's next I-block
}

func (c *card) reset() {
	c.seq = 0
	// TS, T0, TD1 (T=1), TD2, TA3 (IFSC), TCK
	atrBytes := []byte{0x3b, 0x80, 0x81, 0x11, c.ifsc}
	tck := byte(0)
	for _, b := range atrBytes[1:] {
		tck ^= b
	}
	c.pending = append(atrBytes, tck)
}

func (c *card) read(buf []byte) int {
	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	return n
}

func (c *card) write(frame []byte) {
	blk, err := codec.Decode(frame, codec.LRC)
	if err != nil {
		return // host will time out and retry
	}
	switch blk.Kind() {
	case codec.KindS:
		if !blk.SResponse() {
			c.queue(codec.NewSBlock(0, blk.SType(), true, blk.INF))
		}
	case codec.KindI:
		body := append(append([]byte{}, fci...), 0x90, 0x00)
		c.queue(codec.NewIBlock(0, c.seq, false, body))
		c.seq ^= 1
	}
}

func (c *card) queue(blk codec.Block) {
	frame, err := codec.Encode(nil, blk, codec.LRC)
	if err != nil {
		return
	}
	c.pending = append(c.pending, frame...)
}

func main() {
	retries := 3
	ifsc := 254
	if len(os.Args) > 1 {
		retries = cast.ToInt(os.Args[1])
	}
	if len(os.Args) > 2 {
		ifsc = cast.ToInt(os.Args[2])
	}

	sim := &card{ifsc: byte(ifsc)}

	session, err := t1.NewBuilder().
		SetLogger(common.NewStdLogger(os.Stderr, "t1: ")).
		SetRetries(retries).
		SetCallbacks(transport.Callbacks{
			Reset: func(interface{}) error { sim.reset(); return nil },
			Read: func(_ interface{}, buf []byte) (int, error) {
				return sim.read(buf), nil
			},
			Write: func(_ interface{}, buf []byte) (int, error) {
				sim.write(buf)
				return len(buf), nil
			},
		}).
		Build()
	if err != nil {
		log.Fatalf("build session: %v", err)
	}
	defer session.Close()

	fmt.Printf("ATR: %s\n", common.Hex(session.ATR()))

	capdu := []byte{0x00, 0xa4, 0x04, 0x00, 0x00}
	rapdu := make([]byte, 258)
	resp, err := session.Transmit(capdu, rapdu)
	if err != nil {
		log.Fatalf("transmit: %v", err)
	}

	sw := resp[len(resp)-2:]
	fmt.Printf("SW: %s\n", common.Hex(sw))

	tlvs, err := bertlv.Decode(resp[:len(resp)-2])
	if err != nil {
		log.Fatalf("decode FCI: %v", err)
	}
	printTLVs(tlvs, "")
}

func printTLVs(tlvs []bertlv.TLV, indent string) {
	for _, t := range tlvs {
		if len(t.TLVs) > 0 {
			fmt.Printf("%s%s:\n", indent, t.Tag)
			printTLVs(t.TLVs, indent+"  ")
			continue
		}
		fmt.Printf("%s%s: %s\n", indent, t.Tag, common.Hex(t.Value))
	}
}
