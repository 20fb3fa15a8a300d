// Package rad50 implements the DEC RAD-50 codec (§6): a 40-character
// alphabet packed 3 characters to a 16-bit word, used throughout the ar50
// payload container for filenames and magic values.
//
// Grounded on original_source/tools/ar50/squoze.h's squoze/unsquoze
// contract (encode a string to a packed uint64, decode a packed uint64
// back to a string); the squoze.c implementation itself was not present in
// the retrieved original_source slice, so the 40-character alphabet and the
// radix-40 packing below follow the well-known DEC RAD-50 definition the
// header's "3-character/16-bit... 40-character alphabet" phrasing in §6
// names directly.
//
// Exposed as a golang.org/x/text/transform.Transformer (encoding.Encoding's
// shape), carried over from the teacher's golang.org/x/text require, which
// has no call site of its own in the retrieved biscuit slice.
package rad50

import (
	"errors"

	"golang.org/x/text/transform"
)

// Alphabet is RAD-50's 40-character set: space, A-Z, $, ., %, 0-9. Index 0
// is space, used as the pad character for a final partial triplet.
const Alphabet = " ABCDEFGHIJKLMNOPQRSTUVWXYZ$.%0123456789"

const radix = uint16(len(Alphabet)) // 40

// ErrInvalidChar is returned by Encode when a rune is outside Alphabet.
var ErrInvalidChar = errors.New("rad50: character outside the RAD-50 alphabet")

// ErrInvalidWord is returned by Decode when a 16-bit word's value can't be
// a valid triplet (>= 40^3).
var ErrInvalidWord = errors.New("rad50: word is not a valid RAD-50 triplet")

func indexOf(c byte) (uint16, bool) {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return uint16(i), true
		}
	}
	return 0, false
}

// upper folds ASCII lowercase to upper, since RAD-50 has no lowercase.
func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// EncodeWord packs up to 3 characters into one RAD-50 16-bit word,
// space-padding a short final triplet.
func EncodeWord(s string) (uint16, error) {
	var vals [3]uint16
	for i := 0; i < 3; i++ {
		c := byte(' ')
		if i < len(s) {
			c = upper(s[i])
		}
		v, ok := indexOf(c)
		if !ok {
			return 0, ErrInvalidChar
		}
		vals[i] = v
	}
	return vals[0]*radix*radix + vals[1]*radix + vals[2], nil
}

// DecodeWord unpacks one RAD-50 16-bit word into its 3 characters.
func DecodeWord(w uint16) (string, error) {
	if uint32(w) >= uint32(radix)*uint32(radix)*uint32(radix) {
		return "", ErrInvalidWord
	}
	c0 := w / (radix * radix)
	rem := w % (radix * radix)
	c1 := rem / radix
	c2 := rem % radix
	return string([]byte{Alphabet[c0], Alphabet[c1], Alphabet[c2]}), nil
}

// Encode packs s, 3 characters at a time, into a slice of RAD-50 words
// (the last word space-padded if len(s) is not a multiple of 3).
func Encode(s string) ([]uint16, error) {
	n := (len(s) + 2) / 3
	if n == 0 {
		n = 1
	}
	words := make([]uint16, n)
	for i := 0; i < n; i++ {
		start := i * 3
		end := start + 3
		if end > len(s) {
			end = len(s)
		}
		w, err := EncodeWord(s[start:end])
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return words, nil
}

// Decode unpacks a slice of RAD-50 words back into a string, trimming
// trailing pad spaces from the final triplet only.
func Decode(words []uint16) (string, error) {
	out := make([]byte, 0, len(words)*3)
	for _, w := range words {
		s, err := DecodeWord(w)
		if err != nil {
			return "", err
		}
		out = append(out, s...)
	}
	s := string(out)
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s, nil
}

// Encode64 packs a string into the ar50 payload container's 64-bit magic/
// filename fields: 4 big-endian-ordered RAD-50 words, space-padded,
// truncated beyond 12 characters (§6: "filename:u64 rad50").
func Encode64(s string) (uint64, error) {
	if len(s) > 12 {
		s = s[:12]
	}
	words, err := Encode(s)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 4; i++ {
		var w uint16
		if i < len(words) {
			w = words[i]
		} else {
			w, _ = EncodeWord("")
		}
		v = v<<16 | uint64(w)
	}
	return v, nil
}

// Decode64 unpacks a 64-bit RAD-50 field back into a string.
func Decode64(v uint64) (string, error) {
	words := make([]uint16, 4)
	for i := 3; i >= 0; i-- {
		words[i] = uint16(v)
		v >>= 16
	}
	return Decode(words)
}

// Transformer implements transform.Transformer over a byte-string view of
// a RAD-50 word stream: Transform decodes 2-byte little-endian words from
// src into their 3-character expansion in dst. Satisfies the
// golang.org/x/text/transform.Transformer shape the teacher's require
// pulls in for encoding.Encoding-style codecs.
type Transformer struct{ transform.NopResetter }

func (Transformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc+2 <= len(src) {
		w := uint16(src[nSrc]) | uint16(src[nSrc+1])<<8
		s, derr := DecodeWord(w)
		if derr != nil {
			return nDst, nSrc, derr
		}
		if nDst+3 > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		copy(dst[nDst:], s)
		nDst += 3
		nSrc += 2
	}
	if !atEOF && len(src)-nSrc > 0 {
		return nDst, nSrc, transform.ErrShortSrc
	}
	return nDst, nSrc, nil
}
