package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxVarBytes caps any single length-prefixed field inside a payload.
const MaxVarBytes = 0x02000000

var errVarTooLong = errors.New("variable length field exceeds limit")

// binReader reads little-endian primitives from a payload.  The first error
// is sticky: once set every subsequent read is a no-op returning zero values,
// so decoders can read a whole structure and check err once.
type binReader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func newBinReader(b []byte) *binReader {
	return &binReader{r: bytes.NewReader(b)}
}

func (br *binReader) read(n int) []byte {
	if br.err != nil {
		return br.buf[:n]
	}
	if _, err := io.ReadFull(br.r, br.buf[:n]); err != nil {
		br.err = err
	}
	return br.buf[:n]
}

func (br *binReader) readU8() uint8 {
	return br.read(1)[0]
}

func (br *binReader) readBool() bool {
	return br.readU8() != 0
}

func (br *binReader) readU16() uint16 {
	return binary.LittleEndian.Uint16(br.read(2))
}

func (br *binReader) readU16BE() uint16 {
	return binary.BigEndian.Uint16(br.read(2))
}

func (br *binReader) readU32() uint32 {
	return binary.LittleEndian.Uint32(br.read(4))
}

func (br *binReader) readU64() uint64 {
	return binary.LittleEndian.Uint64(br.read(8))
}

// readVarUint reads a Bitcoin style variable length integer.
func (br *binReader) readVarUint() uint64 {
	switch prefix := br.readU8(); prefix {
	case 0xfd:
		return uint64(br.readU16())
	case 0xfe:
		return uint64(br.readU32())
	case 0xff:
		return br.readU64()
	default:
		return uint64(prefix)
	}
}

func (br *binReader) readFixed(dst []byte) {
	if br.err != nil {
		return
	}
	if _, err := io.ReadFull(br.r, dst); err != nil {
		br.err = err
	}
}

func (br *binReader) readHash() Hash {
	var h Hash
	br.readFixed(h[:])
	return h
}

func (br *binReader) readVarBytes(max int) []byte {
	n := br.readVarUint()
	if br.err != nil {
		return nil
	}
	if n > uint64(max) {
		br.err = fmt.Errorf("%w: %d > %d", errVarTooLong, n, max)
		return nil
	}
	b := make([]byte, n)
	br.readFixed(b)
	return b
}

func (br *binReader) readString(max int) string {
	return string(br.readVarBytes(max))
}

// readCount reads a var-int element count bounded by max.
func (br *binReader) readCount(max int) int {
	n := br.readVarUint()
	if br.err == nil && n > uint64(max) {
		br.err = fmt.Errorf("%w: %d elements > %d", errVarTooLong, n, max)
	}
	if br.err != nil {
		return 0
	}
	return int(n)
}

// done fails when the payload still has unread bytes.
func (br *binReader) done() error {
	if br.err != nil {
		return br.err
	}
	if rd, ok := br.r.(*bytes.Reader); ok && rd.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", rd.Len())
	}
	return nil
}

// binWriter is the encoding counterpart of binReader.  Writes go to an
// in-memory buffer and cannot fail.
type binWriter struct {
	buf bytes.Buffer
	tmp [8]byte
}

func (bw *binWriter) writeU8(v uint8) {
	bw.buf.WriteByte(v)
}

func (bw *binWriter) writeBool(v bool) {
	if v {
		bw.writeU8(1)
		return
	}
	bw.writeU8(0)
}

func (bw *binWriter) writeU16(v uint16) {
	binary.LittleEndian.PutUint16(bw.tmp[:2], v)
	bw.buf.Write(bw.tmp[:2])
}

func (bw *binWriter) writeU16BE(v uint16) {
	binary.BigEndian.PutUint16(bw.tmp[:2], v)
	bw.buf.Write(bw.tmp[:2])
}

func (bw *binWriter) writeU32(v uint32) {
	binary.LittleEndian.PutUint32(bw.tmp[:4], v)
	bw.buf.Write(bw.tmp[:4])
}

func (bw *binWriter) writeU64(v uint64) {
	binary.LittleEndian.PutUint64(bw.tmp[:8], v)
	bw.buf.Write(bw.tmp[:8])
}

func (bw *binWriter) writeVarUint(v uint64) {
	switch {
	case v < 0xfd:
		bw.writeU8(uint8(v))
	case v <= 0xffff:
		bw.writeU8(0xfd)
		bw.writeU16(uint16(v))
	case v <= 0xffffffff:
		bw.writeU8(0xfe)
		bw.writeU32(uint32(v))
	default:
		bw.writeU8(0xff)
		bw.writeU64(v)
	}
}

func (bw *binWriter) writeHash(h Hash) {
	bw.buf.Write(h[:])
}

func (bw *binWriter) writeVarBytes(b []byte) {
	bw.writeVarUint(uint64(len(b)))
	bw.buf.Write(b)
}

func (bw *binWriter) writeString(s string) {
	bw.writeVarBytes([]byte(s))
}

func (bw *binWriter) bytes() []byte {
	return bw.buf.Bytes()
}
