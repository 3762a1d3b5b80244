package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxAlloc bounds a single length-prefixed string or byte slice.
const DefaultMaxAlloc = 4 * 1024 * 1024

// Reader consumes packet body bytes from a stream.
//
// There is no frame length on the wire, so a Reader reads straight from the
// connection and blocks until the requested bytes arrive.
type Reader struct {
	r        io.Reader
	cs       Charset
	err      error
	ioErr    error
	n        int
	maxAlloc int
	scratch  [8]byte
}

// NewReader returns a Reader over r bound to cs.
func NewReader(r io.Reader, cs Charset) *Reader {
	return &Reader{r: r, cs: cs, maxAlloc: DefaultMaxAlloc}
}

// SetMaxAlloc changes the length-prefix limit. Values <= 0 restore DefaultMaxAlloc.
func (r *Reader) SetMaxAlloc(n int) {
	if n <= 0 {
		n = DefaultMaxAlloc
	}
	r.maxAlloc = n
}

// Charset returns the charset strings are decoded with.
func (r *Reader) Charset() Charset { return r.cs }

// N returns the number of bytes consumed so far.
func (r *Reader) N() int { return r.n }

// Err returns the first error recorded by the Reader.
func (r *Reader) Err() error { return r.err }

// IOErr returns the underlying stream error, if the first failure came from the stream.
func (r *Reader) IOErr() error { return r.ioErr }

// Fail records err unless an earlier error is already held.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) fill(b []byte) bool {
	if r.err != nil {
		return false
	}
	n, err := io.ReadFull(r.r, b)
	r.n += n
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: %w", ErrTruncated, err)
		}
		r.ioErr = err
		r.err = err
		return false
	}
	return true
}

func (r *Reader) ReadUint8() uint8 {
	if !r.fill(r.scratch[:1]) {
		return 0
	}
	return r.scratch[0]
}

func (r *Reader) ReadInt8() int8 { return int8(r.ReadUint8()) }

func (r *Reader) ReadBool() bool {
	switch v := r.ReadUint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.Fail(fmt.Errorf("%w: 0x%02x", ErrInvalidBool, v))
		return false
	}
}

func (r *Reader) ReadUint16() uint16 {
	if !r.fill(r.scratch[:2]) {
		return 0
	}
	return binary.BigEndian.Uint16(r.scratch[:2])
}

func (r *Reader) ReadInt16() int16 { return int16(r.ReadUint16()) }

func (r *Reader) ReadUint32() uint32 {
	if !r.fill(r.scratch[:4]) {
		return 0
	}
	return binary.BigEndian.Uint32(r.scratch[:4])
}

func (r *Reader) ReadInt32() int32 { return int32(r.ReadUint32()) }

func (r *Reader) ReadUint64() uint64 {
	if !r.fill(r.scratch[:8]) {
		return 0
	}
	return binary.BigEndian.Uint64(r.scratch[:8])
}

func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(r.ReadUint32()) }

func (r *Reader) ReadFloat64() float64 { return math.Float64frombits(r.ReadUint64()) }

// ReadRaw reads exactly n bytes with no length prefix.
func (r *Reader) ReadRaw(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.Fail(ErrNegativeLength)
		return nil
	}
	if n > r.maxAlloc {
		r.Fail(fmt.Errorf("%w: %d > %d", ErrAllocationTooLarge, n, r.maxAlloc))
		return nil
	}
	out := make([]byte, n)
	if n > 0 && !r.fill(out) {
		return nil
	}
	return out
}

// ReadBytes reads an int32 length prefix followed by that many bytes.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	if r.err != nil {
		return nil
	}
	return r.ReadRaw(int(n))
}

// ReadString reads a length-prefixed string and decodes it with the Reader's charset.
func (r *Reader) ReadString() string {
	b := r.ReadBytes()
	if r.err != nil {
		return ""
	}
	s, err := r.cs.Decode(b)
	if err != nil {
		r.Fail(err)
		return ""
	}
	return s
}
