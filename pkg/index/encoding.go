package index

import (
	"encoding/binary"
	"math"

	"github.com/aretw0/humus/pkg/core"
)

// Type tags of the order-preserving encoding. Their order is the collation
// order of the value families.
const (
	tagMissing byte = 0x00
	tagNull    byte = 0x01
	tagFalse   byte = 0x02
	tagTrue    byte = 0x03
	tagNumber  byte = 0x04
	tagString  byte = 0x05
	tagEnd     byte = 0x06
)

// EncodeValue appends the sortable form of v to dst. Byte-wise comparison of
// two encodings matches core.Compare for scalar values. Arrays, maps and
// blobs are not indexable.
func EncodeValue(dst []byte, v core.Value) ([]byte, bool) {
	switch v.Kind() {
	case core.KindNull:
		return append(dst, tagNull), true
	case core.KindBool:
		if b, _ := v.AsBool(); b {
			return append(dst, tagTrue), true
		}
		return append(dst, tagFalse), true
	case core.KindInt, core.KindFloat:
		f, _ := v.AsFloat()
		return appendFloat(append(dst, tagNumber), f), true
	case core.KindString:
		s, _ := v.AsString()
		return appendString(append(dst, tagString), s), true
	default:
		return dst, false
	}
}

func appendFloat(dst []byte, f float64) []byte {
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(dst, bits)
}

// appendString escapes 0x00 as 0x00 0xFF and terminates with 0x00 0x01.
func appendString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, 0x00, 0x01)
}

// familyBounds returns the [start, limit) tag range holding every value
// comparable with v.
func familyBounds(v core.Value) (byte, byte) {
	switch v.Kind() {
	case core.KindNull:
		return tagNull, tagFalse
	case core.KindBool:
		return tagFalse, tagNumber
	case core.KindInt, core.KindFloat:
		return tagNumber, tagString
	default:
		return tagString, tagEnd
	}
}

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix, or nil when none exists.
func prefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
