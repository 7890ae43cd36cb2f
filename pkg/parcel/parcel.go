/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package parcel implements the little-endian, alignment-aware binary layout used
// by the sync wire packets and the persisted watermark records.
package parcel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the input.
	ErrShortBuffer = errors.New("parcel: buffer too short")
	// ErrStringTooLong is returned when a declared string length exceeds MaxStringLen.
	ErrStringTooLong = errors.New("parcel: string too long")
)

const (
	Uint16Len = 2
	Uint32Len = 4
	Uint64Len = 8

	// MaxStringLen bounds strings read from the wire.
	MaxStringLen = 64 << 20

	align4 = 4
	align8 = 8
)

// AlignLen rounds n up to a multiple of align.
func AlignLen(n, align int) int {
	return (n + align - 1) / align * align
}

// StringLen is the encoded size of s at a 4-aligned offset: a u32 length, the
// bytes, padding to 4.
func StringLen(s string) int {
	return Uint32Len + AlignLen(len(s), align4)
}

// Writer appends fields to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint32(1)

		return
	}

	w.WriteUint32(0)
}

// WriteString writes a u32 length followed by the bytes, padded to 4.
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	w.pad(align4)
}

// WriteBytes writes a byte slice with the same framing as WriteString.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	w.pad(align4)
}

// Align8 pads with zeros to the next 8-byte boundary.
func (w *Writer) Align8() {
	w.pad(align8)
}

func (w *Writer) pad(align int) {
	for len(w.buf)%align != 0 {
		w.buf = append(w.buf, 0)
	}
}

// Reader consumes fields from a buffer. The first failure sticks: later reads
// return zero values and Err reports the original cause.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error { return r.err }

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Offset is the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, r.Remaining())

		return nil
	}

	b := r.buf[r.off : r.off+n]
	r.off += n

	return b
}

func (r *Reader) ReadUint16() uint16 {
	b := r.take(Uint16Len)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.take(Uint32Len)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

func (r *Reader) ReadUint64() uint64 {
	b := r.take(Uint64Len)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadBool() bool {
	return r.ReadUint32() != 0
}

func (r *Reader) ReadString() string {
	return string(r.ReadBytes())
}

// ReadBytes returns a copy of a length-prefixed byte field.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadUint32()
	if r.err != nil {
		return nil
	}

	if n > MaxStringLen {
		r.err = fmt.Errorf("%w: %d bytes", ErrStringTooLong, n)

		return nil
	}

	b := r.take(int(n))
	r.take(AlignLen(r.off, align4) - r.off)

	if r.err != nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// Align8 skips padding up to the next 8-byte boundary.
func (r *Reader) Align8() {
	r.take(AlignLen(r.off, align8) - r.off)
}

// Encoder is implemented by Writer and Sizer so one serialization routine can
// both produce bytes and compute their length.
type Encoder interface {
	WriteUint16(v uint16)
	WriteUint32(v uint32)
	WriteInt32(v int32)
	WriteUint64(v uint64)
	WriteBool(v bool)
	WriteString(s string)
	WriteBytes(b []byte)
	Align8()
	Len() int
}

// Sizer counts the bytes a Writer would produce without allocating them.
type Sizer struct {
	n int
}

func (s *Sizer) Len() int { return s.n }

func (s *Sizer) WriteUint16(uint16) { s.n += Uint16Len }

func (s *Sizer) WriteUint32(uint32) { s.n += Uint32Len }

func (s *Sizer) WriteInt32(int32) { s.n += Uint32Len }

func (s *Sizer) WriteUint64(uint64) { s.n += Uint64Len }

func (s *Sizer) WriteBool(bool) { s.n += Uint32Len }

func (s *Sizer) WriteString(v string) { s.n = AlignLen(s.n+Uint32Len+len(v), align4) }

func (s *Sizer) WriteBytes(b []byte) { s.n = AlignLen(s.n+Uint32Len+len(b), align4) }

func (s *Sizer) Align8() { s.n = AlignLen(s.n, align8) }

var (
	_ Encoder = (*Writer)(nil)
	_ Encoder = (*Sizer)(nil)
)
