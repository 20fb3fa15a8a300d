// Package ar50 implements the ELF payload container (§6): a concatenation
// of fixed-size headers each followed by its payload bytes, terminated by
// the first record whose magic does not match.
//
// Grounded on original_source/tools/ar50/ar50.c's do_list/do_create/
// do_extract (the on-disk struct payload_hdr {magic, filename, size} and
// its read-until-bad-magic loop) and on include/elfpayload.h's
// ELFPAYLOAD_MAGIC; ported from the C tool's fixed sequential scan rather
// than the teacher (biscuit has no archive format of its own). Encode is
// supplemented beyond spec.md (which only dispatches via Decode): the
// original's do_create both builds and reads archives, and a future
// cmd/objappend-equivalent (out of scope per spec.md §1) still needs a
// writer, so Encode is implemented and tested alongside Decode.
package ar50

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/tienex/nux/internal/rad50"
)

// PayloadMagic is rad50("nux-payload") per include/elfpayload.h. The
// literal string "nux-payload" contains a hyphen outside this package's
// 40-character alphabet (rad50.Alphabet), so this constant is taken
// verbatim from the original header rather than re-derived by Encode64.
const PayloadMagic uint64 = 0x54a2f911659dece0

const headerSize = 8 + 8 + 4 // magic, filename, size

// Record is one decoded payload: its RAD-50 filename (already unpacked)
// and its raw bytes.
type Record struct {
	Name string
	Data []byte
}

// ErrTruncated is returned by Decode when a record's payload is cut short
// mid-stream (a malformed or truncated archive). A header cut short ends
// decoding cleanly, like a mismatched magic, returning the records so far.
var ErrTruncated = errors.New("ar50: truncated record payload")

// Decode reads records from r until a header's magic doesn't match
// PayloadMagic (§6: "Termination: first record whose magic does not
// match"), mirroring do_list/do_extract's read loop.
func Decode(r io.Reader) ([]Record, error) {
	var records []Record
	hdr := make([]byte, headerSize)
	for {
		n, err := io.ReadFull(r, hdr)
		if err == io.EOF && n == 0 {
			return records, nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return records, nil
			}
			return nil, err
		}
		magic := binary.LittleEndian.Uint64(hdr[0:8])
		if magic != PayloadMagic {
			return records, nil
		}
		filenameWord := binary.LittleEndian.Uint64(hdr[8:16])
		size := binary.LittleEndian.Uint32(hdr[16:20])

		name, err := rad50.Decode64(filenameWord)
		if err != nil {
			return nil, err
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, ErrTruncated
		}
		records = append(records, Record{Name: name, Data: data})
	}
}

// Encode writes records to w in the same {magic, filename, size, bytes}
// sequence Decode expects, with no trailing sentinel record (Decode's
// termination condition is simply running out of input, same as
// do_create's loop over argv).
func Encode(w io.Writer, records []Record) error {
	for _, rec := range records {
		filenameWord, err := rad50.Encode64(rec.Name)
		if err != nil {
			return err
		}
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint64(hdr[0:8], PayloadMagic)
		binary.LittleEndian.PutUint64(hdr[8:16], filenameWord)
		binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(rec.Data)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(rec.Data); err != nil {
			return err
		}
	}
	return nil
}

// EncodeBytes is Encode into a fresh buffer, for callers that want the
// bytes directly.
func EncodeBytes(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
