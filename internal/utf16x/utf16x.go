// Package utf16x converts between strings and the UTF-16 code units stored
// in long filename directory entries.
package utf16x

import (
	"errors"
	"unicode/utf16"
)

const (
	// 0xd800-0xdc00 encodes the high 10 bits of a pair.
	// 0xdc00-0xe000 encodes the low 10 bits of a pair.
	// the value is those 20 bits plus 0x10000.
	surr1 = 0xd800
	surr3 = 0xe000

	surrSelf = 0x10000
)

// The conditions replacementChar==unicode.ReplacementChar and
// maxRune==unicode.MaxRune are verified in the tests.
// Defining them locally avoids this package depending on package unicode.

const (
	replacementChar = '�'     // Unicode replacement character
	maxRune         = '\U0010FFFF' // Maximum valid Unicode code point.
)

var errShortDst = errors.New("short destination buffer")

// ToString decodes a slice of UTF-16 code units into a string. Unpaired
// surrogates become the replacement character.
func ToString(units []uint16) string {
	return string(utf16.Decode(units))
}

// EncodeUnits encodes s as UTF-16 code units into dst and returns the number
// of units written. Returns errShortDst if dst cannot hold the encoding.
func EncodeUnits(dst []uint16, s string) (int, error) {
	n := 0
	for _, r := range s {
		switch {
		case r < surr1, surr3 <= r && r < surrSelf:
			if n >= len(dst) {
				return n, errShortDst
			}
			dst[n] = uint16(r)
			n++
		case surrSelf <= r && r <= maxRune:
			if n+1 >= len(dst) {
				return n, errShortDst
			}
			r1, r2 := utf16.EncodeRune(r)
			dst[n] = uint16(r1)
			dst[n+1] = uint16(r2)
			n += 2
		default:
			if n >= len(dst) {
				return n, errShortDst
			}
			dst[n] = uint16(replacementChar)
			n++
		}
	}
	return n, nil
}

// UnitCount returns the number of UTF-16 code units needed to encode s.
func UnitCount(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r >= surrSelf && r <= maxRune {
			n++
		}
	}
	return n
}
