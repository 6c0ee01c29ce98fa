package t1

import (
	"testing"
	"time"

	. "github.com/ahmetb/go-linq/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younglifestyle/t1go/codec"
)

// Simple transmit: GET DATA answered in a two-block chain.
func TestScenarioSimpleTransmit(t *testing.T) {
	card := &simCard{}
	card.on(func(blk codec.Block) [][]byte {
		assert.Equal(t, codec.KindI, blk.Kind())
		assert.Equal(t, []byte{0x80, 0xca, 0x9f, 0x7f}, blk.INF)
		return [][]byte{frame(t, codec.NewIBlock(0, 0, true, []byte{0x9f, 0x7f, 0x01, 0x02}))}
	})
	card.on(func(blk codec.Block) [][]byte {
		assert.Equal(t, codec.KindR, blk.Kind())
		assert.Equal(t, byte(codec.RCodeOK), blk.RCode())
		assert.Equal(t, uint8(1), blk.NR())
		return [][]byte{frame(t, codec.NewIBlock(0, 1, false, []byte{0x90, 0x00}))}
	})
	e := newTestEngine(t, card)

	resp, err := e.runAPDUForTest([]byte{0x80, 0xca, 0x9f, 0x7f}, make([]byte, 258))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x9f, 0x7f, 0x01, 0x02, 0x90, 0x00}, resp)

	// The first host frame on the wire, checksum included.
	assert.Equal(t, []byte{0x00, 0x00, 0x04, 0x80, 0xca, 0x9f, 0x7f, 0xae}, card.rawWrites[0])
}

// A corrupted first response is re-requested with R(EDC error) and the
// assembled APDU matches the clean run.
func TestScenarioEDCCorruptionThenSuccess(t *testing.T) {
	good := frame(t, codec.NewIBlock(0, 0, true, []byte{0x9f, 0x7f, 0x01, 0x02}))

	card := &simCard{}
	card.on(func(codec.Block) [][]byte {
		return [][]byte{corruptLRC(good)}
	})
	card.on(func(blk codec.Block) [][]byte {
		assert.Equal(t, codec.KindR, blk.Kind())
		assert.Equal(t, byte(codec.RCodeEDC), blk.RCode())
		assert.Equal(t, uint8(0), blk.NR())
		return [][]byte{good}
	})
	card.on(func(blk codec.Block) [][]byte {
		assert.Equal(t, codec.KindR, blk.Kind())
		assert.Equal(t, uint8(1), blk.NR())
		return [][]byte{frame(t, codec.NewIBlock(0, 1, false, []byte{0x90, 0x00}))}
	})
	e := newTestEngine(t, card)

	resp, err := e.runAPDUForTest([]byte{0x80, 0xca, 0x9f, 0x7f}, make([]byte, 258))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x9f, 0x7f, 0x01, 0x02, 0x90, 0x00}, resp)
}

// An IFS request in place of the expected data shrinks the information
// field for every later fragment.
func TestScenarioIFSRequestMidSession(t *testing.T) {
	card := &simCard{}
	card.on(func(codec.Block) [][]byte {
		return [][]byte{frame(t, codec.NewSBlock(0, codec.SIfs, false, []byte{0x10}))}
	})
	card.on(func(blk codec.Block) [][]byte {
		assert.Equal(t, codec.KindS, blk.Kind())
		assert.True(t, blk.SResponse())
		assert.Equal(t, byte(codec.SIfs), blk.SType())
		assert.Equal(t, []byte{0x10}, blk.INF)
		return [][]byte{frame(t, codec.NewIBlock(0, 0, false, []byte{0x90, 0x00}))}
	})
	e := newTestEngine(t, card)

	_, err := e.runAPDUForTest([]byte{0x00, 0xb0, 0x00, 0x00}, make([]byte, 8))
	require.NoError(t, err)
	require.Equal(t, byte(16), e.ifsc)

	// The next command is longer than the new IFSC and must be chained.
	capdu := make([]byte, 20)
	for i := range capdu {
		capdu[i] = byte(i)
	}
	card.on(func(blk codec.Block) [][]byte {
		require.Equal(t, codec.KindI, blk.Kind())
		assert.Len(t, blk.INF, 16)
		assert.True(t, blk.More())
		return [][]byte{frame(t, codec.NewRBlock(0, codec.RCodeOK, blk.Seq()^1))}
	})
	card.on(func(blk codec.Block) [][]byte {
		require.Equal(t, codec.KindI, blk.Kind())
		assert.Len(t, blk.INF, 4)
		assert.False(t, blk.More())
		return [][]byte{frame(t, codec.NewIBlock(0, 1, false, []byte{0x90, 0x00}))}
	})

	resp, err := e.runAPDUForTest(capdu, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)
}

// A WTX request stretches exactly the next block waiting time.
func TestScenarioWTX(t *testing.T) {
	card := &simCard{}
	var sleptAtResponse, sleptAtSolicit time.Duration
	card.on(func(codec.Block) [][]byte {
		return [][]byte{frame(t, codec.NewSBlock(0, codec.SWtx, false, []byte{0x03}))}
	})
	card.on(func(blk codec.Block) [][]byte {
		assert.Equal(t, codec.KindS, blk.Kind())
		assert.True(t, blk.SResponse())
		assert.Equal(t, byte(codec.SWtx), blk.SType())
		assert.Equal(t, []byte{0x03}, blk.INF)
		sleptAtResponse = card.slept
		return nil // stay busy, let the extended deadline run out
	})
	card.on(func(blk codec.Block) [][]byte {
		sleptAtSolicit = card.slept
		assert.Equal(t, codec.KindR, blk.Kind())
		return [][]byte{frame(t, codec.NewIBlock(0, 0, false, []byte{0x90, 0x00}))}
	})
	e := newTestEngine(t, card)

	resp, err := e.runAPDUForTest([]byte{0x00, 0xb0, 0x00, 0x00}, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)

	// 3 x BWT of 10ms was waited after the WTX response; a plain receive
	// would have given up after 10ms.
	waited := sleptAtSolicit - sleptAtResponse
	assert.GreaterOrEqual(t, waited, 30*time.Millisecond)
	assert.Less(t, waited, 40*time.Millisecond)
}

// Outbound chaining: 20 command bytes over IFSC 8 go out as 8+8+4 with
// M=1,1,0, advancing only on R(ACK).
func TestScenarioOutboundChaining(t *testing.T) {
	capdu := make([]byte, 20)
	for i := range capdu {
		capdu[i] = byte(0xa0 + i)
	}

	card := &simCard{}
	ack := func(blk codec.Block) [][]byte {
		return [][]byte{frame(t, codec.NewRBlock(0, codec.RCodeOK, blk.Seq()^1))}
	}
	card.on(ack)
	card.on(ack)
	card.on(func(blk codec.Block) [][]byte {
		return [][]byte{frame(t, codec.NewIBlock(0, 0, false, []byte{0x90, 0x00}))}
	})
	e := newTestEngine(t, card)
	e.ifsc = 8

	resp, err := e.runAPDUForTest(capdu, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)

	require.Len(t, card.writes, 3)
	assert.Equal(t, []int{8, 8, 4}, []int{
		len(card.writes[0].INF), len(card.writes[1].INF), len(card.writes[2].INF),
	})
	assert.True(t, card.writes[0].More())
	assert.True(t, card.writes[1].More())
	assert.False(t, card.writes[2].More())
	assert.Equal(t, []uint8{0, 1, 0}, []uint8{
		card.writes[0].Seq(), card.writes[1].Seq(), card.writes[2].Seq(),
	})

	// The fragments put together are the original command.
	var sent []byte
	From(card.writes).
		SelectManyT(func(b codec.Block) Query { return From(b.INF) }).
		ForEachT(func(b byte) { sent = append(sent, b) })
	assert.Equal(t, capdu, sent)
}

// Inbound chaining reassembles the INF fields in order.
func TestScenarioInboundChaining(t *testing.T) {
	chunks := [][]byte{
		{0x01, 0x02, 0x03},
		{0x04, 0x05},
		{0x06},
		{0x90, 0x00},
	}

	card := &simCard{}
	for i, c := range chunks {
		seq := uint8(i % 2)
		more := i < len(chunks)-1
		chunk := c
		card.on(func(codec.Block) [][]byte {
			return [][]byte{frame(t, codec.NewIBlock(0, seq, more, chunk))}
		})
	}
	e := newTestEngine(t, card)

	resp, err := e.runAPDUForTest([]byte{0x00, 0xb0, 0x00, 0x00}, make([]byte, 32))
	require.NoError(t, err)

	var want []byte
	From(chunks).
		SelectManyT(func(c []byte) Query { return From(c) }).
		ForEachT(func(b byte) { want = append(want, b) })
	assert.Equal(t, want, resp)

	// Every chain segment was acknowledged with the toggled N(R).
	var acks []uint8
	for _, w := range card.writes[1:] {
		require.Equal(t, codec.KindR, w.Kind())
		acks = append(acks, w.NR())
	}
	assert.Equal(t, []uint8{1, 0, 1}, acks)
}

// The WTX round cap stops a card that stalls forever.
func TestWTXRoundsExhausted(t *testing.T) {
	card := &simCard{
		auto: func(codec.Block, int) [][]byte {
			return [][]byte{frame(t, codec.NewSBlock(0, codec.SWtx, false, []byte{0x01}))}
		},
	}
	e := newTestEngine(t, card)
	e.wtxLimit = 5

	_, err := e.runAPDU([]byte{0x00, 0xb0, 0x00, 0x00}, make([]byte, 8))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Len(t, card.writes, 5, "one command plus four WTX responses")
}

// A malformed IFS request burns retries instead of being honoured.
func TestMalformedIFSRequest(t *testing.T) {
	card := &simCard{
		auto: func(codec.Block, int) [][]byte {
			return [][]byte{frame(t, codec.NewSBlock(0, codec.SIfs, false, []byte{0x00}))}
		},
	}
	e := newTestEngine(t, card)

	_, err := e.runAPDU([]byte{0x00, 0xb0, 0x00, 0x00}, make([]byte, 8))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, byte(32), e.ifsc, "IFSC must not adopt an invalid value")
}
