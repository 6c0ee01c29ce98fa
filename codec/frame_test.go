package codec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeIBlockLRC(t *testing.T) {
	blk := NewIBlock(0x00, 0, false, []byte{0x80, 0xca, 0x9f, 0x7f})

	frame, err := Encode(nil, blk, LRC)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x04, 0x80, 0xca, 0x9f, 0x7f, 0xae}, frame)
}

func TestEncodeRBlock(t *testing.T) {
	frame, err := Encode(nil, NewRBlock(0x00, RCodeEDC, 0), LRC)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x81, 0x00, 0x81}, frame)

	frame, err = Encode(nil, NewRBlock(0x00, RCodeOK, 1), LRC)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x90, 0x00, 0x90}, frame)
}

func TestEncodeSBlock(t *testing.T) {
	frame, err := Encode(nil, NewSBlock(0x00, SWtx, true, []byte{0x03}), LRC)
	require.NoError(t, err)
	// PCB 0xE3: S-block, response bit, WTX sub-type.
	assert.Equal(t, []byte{0x00, 0xe3, 0x01, 0x03, 0xe1}, frame)
}

func TestEncodeRejectsOversizedINF(t *testing.T) {
	_, err := Encode(nil, NewIBlock(0, 0, false, make([]byte, MaxINF+1)), LRC)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCRC16X25CheckValue(t *testing.T) {
	// CRC-16/X-25 check value for "123456789".
	assert.Equal(t, uint16(0x906e), crc16([]byte("123456789")))
}

func TestEncodeCRCAppendsLSBFirst(t *testing.T) {
	blk := NewRBlock(0x00, RCodeOK, 0)
	frame, err := Encode(nil, blk, CRC16)
	require.NoError(t, err)
	require.Len(t, frame, 5)

	crc := crc16(frame[:3])
	assert.Equal(t, byte(crc), frame[3])
	assert.Equal(t, byte(crc>>8), frame[4])
}

func TestRoundTrip(t *testing.T) {
	blocks := []Block{
		NewIBlock(0x21, 0, true, []byte{0x01, 0x02, 0x03}),
		NewIBlock(0x12, 1, false, nil),
		NewRBlock(0x00, RCodeOther, 1),
		NewSBlock(0x00, SIfs, false, []byte{0xfe}),
		NewSBlock(0x00, SResynch, true, nil),
	}
	for _, mode := range []Mode{LRC, CRC16} {
		for _, blk := range blocks {
			frame, err := Encode(nil, blk, mode)
			require.NoError(t, err)

			got, err := Decode(frame, mode)
			require.NoError(t, err, "mode %v block %v", mode, blk)
			if blk.INF == nil {
				blk.INF = []byte{}
			}
			if got.INF == nil {
				got.INF = []byte{}
			}
			if diff := cmp.Diff(blk, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		}
	}
}

func TestSingleBitCorruptionIsDetected(t *testing.T) {
	blk := NewIBlock(0x00, 1, true, []byte{0xde, 0xad, 0xbe, 0xef})
	for _, mode := range []Mode{LRC, CRC16} {
		frame, err := Encode(nil, blk, mode)
		require.NoError(t, err)

		for i := 0; i < len(frame)*8; i++ {
			mutated := make([]byte, len(frame))
			copy(mutated, frame)
			mutated[i/8] ^= 1 << (i % 8)

			_, err := Decode(mutated, mode)
			assert.Error(t, err, "mode %v bit %d went undetected", mode, i)
		}
	}
}

func TestDecodeRejectsLen255(t *testing.T) {
	frame := []byte{0x00, 0x00, 0xff, 0x00}
	_, err := Decode(frame, LRC)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseHeader(frame[:3])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	blk := NewIBlock(0x00, 0, false, []byte{0x01, 0x02})
	frame, err := Encode(nil, blk, LRC)
	require.NoError(t, err)

	for n := 0; n < len(frame); n++ {
		_, err := Decode(frame[:n], LRC)
		assert.Error(t, err, "length %d accepted", n)
	}
}

func TestHeaderBodyLen(t *testing.T) {
	h, err := ParseHeader([]byte{0x00, 0x40, 0x10})
	require.NoError(t, err)
	assert.Equal(t, 17, h.BodyLen(LRC))
	assert.Equal(t, 18, h.BodyLen(CRC16))
}

func TestBlockAccessors(t *testing.T) {
	i := NewIBlock(0x05, 1, true, []byte{0xaa})
	assert.Equal(t, KindI, i.Kind())
	assert.Equal(t, uint8(1), i.Seq())
	assert.True(t, i.More())

	r := NewRBlock(0x00, RCodeEDC, 1)
	assert.Equal(t, KindR, r.Kind())
	assert.Equal(t, uint8(1), r.NR())
	assert.Equal(t, byte(RCodeEDC), r.RCode())

	s := NewSBlock(0x00, SAbort, true, nil)
	assert.Equal(t, KindS, s.Kind())
	assert.Equal(t, byte(SAbort), s.SType())
	assert.True(t, s.SResponse())

	req := NewSBlock(0x00, SResynch, false, nil)
	assert.False(t, req.SResponse())
	assert.Equal(t, byte(SResynch), req.SType())
}
