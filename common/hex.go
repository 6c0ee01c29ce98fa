package common

import "strings"

const hexDigits = "0123456789ABCDEF"

// Hex renders b as space-separated upper-case hex, the form used in block
// traces ("00 40 02 90 00 D2").
func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}
	return sb.String()
}
