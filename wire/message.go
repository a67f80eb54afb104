package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	bpool "github.com/libp2p/go-buffer-pool"
	"github.com/sirupsen/logrus"
)

// HeaderSize is the fixed size of a frame header:
// magic(4) | command(12) | length(4) | checksum(4).
const HeaderSize = 4 + CommandSize + 4 + 4

// DefaultMaxPayloadLength caps the payload allocation for a single frame.
const DefaultMaxPayloadLength = 32 * 1024 * 1024

// Message is one decoded frame.
type Message struct {
	Magic   uint32
	Command string
	// Payload is the parsed body, nil for empty-bodied or unrecognized
	// commands.
	Payload Payload
	// RawPayload holds the payload bytes exactly as read or sent.
	RawPayload []byte
}

// NewMessage builds a message for the payload.  A nil payload produces an
// empty-bodied message for cmd.
func NewMessage(magic uint32, cmd string, payload Payload) *Message {
	m := &Message{Magic: magic, Command: cmd, Payload: payload}
	if payload != nil {
		m.RawPayload = payload.Bytes()
	}
	return m
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	return fmt.Sprintf("%q (%d bytes)", m.Command, len(m.RawPayload))
}

// Codec reads and writes frames for one network.
type Codec struct {
	// Magic expected on every frame.  Zero accepts any magic.
	Magic uint32
	// MaxPayloadLength caps the payload size; zero means
	// DefaultMaxPayloadLength.
	MaxPayloadLength uint32
	// VerifyChecksum rejects frames whose checksum does not match.
	VerifyChecksum bool
	// Logger receives warnings about unrecognized commands.
	Logger logrus.FieldLogger
}

// NewCodec returns a codec for magic with checksum verification enabled.
func NewCodec(magic uint32) *Codec {
	return &Codec{
		Magic:            magic,
		MaxPayloadLength: DefaultMaxPayloadLength,
		VerifyChecksum:   true,
		Logger:           logrus.StandardLogger(),
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Decode reads one frame from r.  When r supports read deadlines (any
// net.Conn), timeout bounds the whole frame read rather than each byte.  For
// a plain io.Reader the timeout is a no-op: callers bound the read
// themselves, for example with a deadline on the underlying connection.
// Every error returned is a *FramingError.
func (c *Codec) Decode(r io.Reader, timeout time.Duration) (*Message, error) {
	if d, ok := r.(readDeadliner); ok && timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(timeout)); err == nil {
			defer d.SetReadDeadline(time.Time{})
		}
	}

	hdr := bpool.Get(HeaderSize)
	defer bpool.Put(hdr)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, framingErr("", readErr(err))
	}

	magic := binary.LittleEndian.Uint32(hdr[0:4])
	cmd := string(bytes.TrimRight(hdr[4:4+CommandSize], "\x00"))
	length := int32(binary.LittleEndian.Uint32(hdr[16:20]))
	checksum := binary.LittleEndian.Uint32(hdr[20:24])

	if !isPrintableCommand(cmd) {
		return nil, framingErr("", fmt.Errorf("%w: % x", ErrUnknownCommand, hdr[4:4+CommandSize]))
	}
	if c.Magic != 0 && magic != c.Magic {
		return nil, framingErr(cmd, fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrWrongMagic, magic, c.Magic))
	}
	if length < 0 {
		length = 0
	}
	if uint32(length) > c.maxPayload() {
		return nil, framingErr(cmd, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, c.maxPayload()))
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, framingErr(cmd, readErr(err))
	}
	if c.VerifyChecksum && Checksum(raw) != checksum {
		return nil, framingErr(cmd, fmt.Errorf("%w: got 0x%08x", ErrChecksum, checksum))
	}

	msg := &Message{Magic: magic, Command: cmd, RawPayload: raw}
	payload, err := c.dispatch(cmd, raw)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return msg, nil
}

// dispatch resolves the payload variant for cmd.
func (c *Codec) dispatch(cmd string, raw []byte) (Payload, error) {
	decode, known := commandTable[cmd]
	if !known {
		if isAlphabetic(cmd) {
			c.logger().WithField("command", cmd).Warn("Ignoring unrecognized command")
		}
		return nil, nil
	}
	if decode == nil || (len(raw) == 0 && emptyBodied[cmd]) {
		return nil, nil
	}

	br := newBinReader(raw)
	payload := decode(br)
	if err := br.done(); err != nil {
		return nil, framingErr(cmd, fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	return payload, nil
}

// Encode serializes m into a frame.  Length and checksum are computed from
// RawPayload, which is filled from Payload when empty.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	return Encode(m)
}

// WriteMessage encodes m and writes it to w.
func (c *Codec) WriteMessage(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func (c *Codec) maxPayload() uint32 {
	if c.MaxPayloadLength == 0 {
		return DefaultMaxPayloadLength
	}
	return c.MaxPayloadLength
}

func (c *Codec) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// Encode serializes m into a frame.
func Encode(m *Message) ([]byte, error) {
	if len(m.Command) > CommandSize {
		return nil, fmt.Errorf("command %q longer than %d bytes", m.Command, CommandSize)
	}
	if !isPrintableCommand(m.Command) {
		return nil, fmt.Errorf("command %q is not printable ascii", m.Command)
	}
	raw := m.RawPayload
	if raw == nil && m.Payload != nil {
		raw = m.Payload.Bytes()
	}

	frame := make([]byte, HeaderSize+len(raw))
	binary.LittleEndian.PutUint32(frame[0:4], m.Magic)
	copy(frame[4:4+CommandSize], m.Command)
	binary.LittleEndian.PutUint32(frame[16:20], uint32(len(raw)))
	binary.LittleEndian.PutUint32(frame[20:24], Checksum(raw))
	copy(frame[HeaderSize:], raw)
	return frame, nil
}

// Decode reads a frame with a default codec that accepts any magic.  The
// timeout follows Codec.Decode.
func Decode(r io.Reader, timeout time.Duration) (*Message, error) {
	c := NewCodec(0)
	return c.Decode(r, timeout)
}

func readErr(err error) error {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTruncated, err)
}
