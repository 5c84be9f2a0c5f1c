// Package pktline implements the length-prefixed framing used by the git
// wire protocols.
//
// A packet is either a flush-pkt ("0000") or a data-pkt: four lower-case hex
// digits giving the total length (prefix included) followed by the payload.
package pktline

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// LenSize is the size of the hex length prefix.
	LenSize = 4
	// MaxLen is the largest total length of a data packet.
	MaxLen = 65520
	// MaxPayloadLen is the largest payload a data packet can carry.
	MaxPayloadLen = MaxLen - LenSize
)

var (
	ErrMalformedLength = errors.New("pktline: malformed length")
	ErrInvalidLength   = errors.New("pktline: invalid length")
	ErrPayloadTooLong  = errors.New("pktline: payload too long")
)

// FlushPkt is the encoded flush packet.
var FlushPkt = []byte("0000")

type Type int

const (
	TypeData Type = iota
	TypeFlush
)

// Packet is a decoded pkt-line. Length is the declared length, prefix
// included; it is zero for a flush packet.
type Packet struct {
	Type   Type
	Length int
	Data   []byte
}

// Encode returns payload framed as a data packet.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}
	b := make([]byte, 0, LenSize+len(payload))
	b = appendLen(b, LenSize+len(payload))
	return append(b, payload...), nil
}

func appendLen(b []byte, n int) []byte {
	const digits = "0123456789abcdef"
	return append(b, digits[n>>12&0xf], digits[n>>8&0xf], digits[n>>4&0xf], digits[n&0xf])
}

// ParseLength decodes a four byte hex length prefix.
func ParseLength(b []byte) (int, error) {
	if len(b) != LenSize {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLength, b)
	}
	n, err := strconv.ParseUint(string(b), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLength, b)
	}
	return int(n), nil
}

// Read reads one packet from r, accepting flush packets and data packets of
// any valid length.
func Read(r io.Reader) (Packet, error) {
	return ReadBounded(r, 0, MaxLen)
}

// ReadBounded reads one packet from r and rejects it with ErrInvalidLength
// when its declared length lies outside [min, max]. A zero length is a flush
// packet and is only accepted when min is zero. The length is checked before
// any payload byte is read.
func ReadBounded(r io.Reader, min, max int) (Packet, error) {
	var hdr [LenSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	n, err := ParseLength(hdr[:])
	if err != nil {
		return Packet{}, err
	}
	if n == 0 && min == 0 {
		return Packet{Type: TypeFlush}, nil
	}
	if n < LenSize || n < min || n > max {
		return Packet{}, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	data := make([]byte, n-LenSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	return Packet{Type: TypeData, Length: n, Data: data}, nil
}

// WriteData writes payload as a single data packet.
func WriteData(w io.Writer, payload []byte) error {
	b, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteFlush writes a flush packet.
func WriteFlush(w io.Writer) error {
	_, err := w.Write(FlushPkt)
	return err
}

// WriteError writes an "ERR" packet carrying msg, followed by a flush.
func WriteError(w io.Writer, msg string) error {
	if err := WriteData(w, []byte("ERR "+msg)); err != nil {
		return err
	}
	return WriteFlush(w)
}
