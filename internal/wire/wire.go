// Package wire implements the exact-length framed I/O spec.md §4.1
// describes: every read loops until the requested byte count has arrived,
// and a short read (EOF before that point) is fatal for the connection.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Conn wraps a net.Conn (a tls.Conn in production) with the fixed-length
// read/write helpers every component above it uses.
type Conn struct {
	net.Conn
	Timeout time.Duration
}

// New wraps c with a per-operation I/O deadline of timeout.
func New(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{Conn: c, Timeout: timeout}
}

func (c *Conn) deadline() error {
	if c.Timeout <= 0 {
		return nil
	}
	return c.Conn.SetDeadline(time.Now().Add(c.Timeout))
}

// ReadExact reads exactly n bytes or returns an error; a short read (io.EOF
// or io.ErrUnexpectedEOF partway through) is reported as-is so callers can
// treat it as fatal per spec.md §7.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	if err := c.deadline(); err != nil {
		return nil, fmt.Errorf("wire: set read deadline: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.Conn, buf); err != nil {
		return nil, fmt.Errorf("wire: short read (want %d): %w", n, err)
	}
	return buf, nil
}

// ReadByte1 reads a single opcode byte.
func (c *Conn) ReadByte1() (byte, error) {
	b, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Send writes all of b or returns an error.
func (c *Conn) Send(b ...[]byte) error {
	if err := c.deadline(); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	for _, part := range b {
		if _, err := c.Conn.Write(part); err != nil {
			return fmt.Errorf("wire: short write: %w", err)
		}
	}
	return nil
}

// PutUint64 / Uint64 serialize the PoW timestamp. spec.md §6 requires the
// challenge's 8-byte timestamp to be "serialized identically on both sides
// of the MAC"; SPEC_FULL resolves the original's native-endian ambiguity
// (§9, open question in spirit) by using big-endian uniformly, consistent
// with "all multi-byte integers on the wire are big-endian unless
// documented otherwise."
func PutUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func Uint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func PutUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func Uint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func PutUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func Uint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
