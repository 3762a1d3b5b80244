// Package wire provides the body cursors packets use to serialize themselves.
//
// All multi-byte integers are big-endian. Strings and byte slices carry an
// int32 length prefix; strings are converted with the cursor's Charset.
// Cursors keep the first error and turn later calls into no-ops, so a packet
// can issue a run of reads or writes and check Err once.
package wire

import (
	"encoding/binary"
	"math"
)

// Writer appends packet body bytes to an in-memory buffer.
type Writer struct {
	buf []byte
	cs  Charset
	err error
}

// NewWriter returns an empty Writer bound to cs.
func NewWriter(cs Charset) *Writer {
	return &Writer{buf: make([]byte, 0, 64), cs: cs}
}

// Bytes returns the bytes written so far. The slice is valid until the next write.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Charset returns the charset strings are encoded with.
func (w *Writer) Charset() Charset { return w.cs }

// Err returns the first error recorded by the Writer.
func (w *Writer) Err() error { return w.err }

// Fail records err unless an earlier error is already held.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

func (w *Writer) WriteUint8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteInt8(v int8) { w.WriteUint8(uint8(v)) }

func (w *Writer) WriteUint16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }

func (w *Writer) WriteUint32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *Writer) WriteUint64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }

func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// WriteRaw appends b with no length prefix.
func (w *Writer) WriteRaw(b []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, b...)
}

// WriteBytes appends an int32 length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) {
	if len(b) > math.MaxInt32 {
		w.Fail(ErrAllocationTooLarge)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.WriteRaw(b)
}

// WriteString encodes s with the Writer's charset and appends it length-prefixed.
func (w *Writer) WriteString(s string) {
	if w.err != nil {
		return
	}
	b, err := w.cs.Encode(s)
	if err != nil {
		w.Fail(err)
		return
	}
	w.WriteBytes(b)
}
