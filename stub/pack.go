package stub

import (
	"fmt"
	"strings"
)

// b85Table is the 85-character alphabet stubs are shipped in when they
// travel as source text rather than raw bytes. Every character survives
// string literals in common languages, which is the point.
const b85Table = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"abcdefghijklmnopqrstuvwxyz!#$%&()*+-;<=>?@^_`{|}~"

// Pack encodes data as base85 text, 4 bytes to 5 characters, most
// significant digit first. The final group is zero-padded; Unpack needs
// the original length to trim it.
func Pack(data []byte) string {
	var sb strings.Builder
	sb.Grow((len(data) + 3) / 4 * 5)
	for i := 0; i < len(data); i += 4 {
		var v uint32
		for j := 0; j < 4; j++ {
			v <<= 8
			if i+j < len(data) {
				v |= uint32(data[i+j])
			}
		}
		var group [5]byte
		for j := 4; j >= 0; j-- {
			group[j] = b85Table[v%85]
			v /= 85
		}
		sb.Write(group[:])
	}
	return sb.String()
}

// Unpack decodes base85 text produced by Pack, returning n bytes.
func Unpack(s string, n int) ([]byte, error) {
	if len(s)%5 != 0 {
		return nil, fmt.Errorf("base85 text length %d is not a multiple of 5", len(s))
	}
	if max := len(s) / 5 * 4; n > max {
		return nil, fmt.Errorf("base85 text holds at most %d bytes, asked for %d", max, n)
	}
	out := make([]byte, 0, len(s)/5*4)
	for i := 0; i < len(s); i += 5 {
		var v uint64
		for j := 0; j < 5; j++ {
			k := strings.IndexByte(b85Table, s[i+j])
			if k < 0 {
				return nil, fmt.Errorf("invalid base85 character %q at %d", s[i+j], i+j)
			}
			v = v*85 + uint64(k)
		}
		if v > 0xffffffff {
			return nil, fmt.Errorf("base85 group at %d overflows 32 bits", i)
		}
		out = append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out[:n], nil
}
