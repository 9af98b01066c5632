package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Type sigils, the first byte of every reply frame.
const (
	SigilSimple  byte = '+'
	SigilError   byte = '-'
	SigilInteger byte = ':'
	SigilBulk    byte = '$'
	SigilArray   byte = '*'
)

var (
	ErrEmptyCommand    = errors.New("Command is malformed, it has no fields")
	ErrInvalidArgument = errors.New("Command is malformed, a field has an unsupported type")

	// ErrProtocol is wrapped by every framing fault returned from this package.
	ErrProtocol = errors.New("Protocol error")

	ErrUnknownType    = fmt.Errorf("%w: unrecognized frame type", ErrProtocol)
	ErrInvalidLength  = fmt.Errorf("%w: invalid length", ErrProtocol)
	ErrInvalidInteger = fmt.Errorf("%w: invalid integer", ErrProtocol)
	ErrMissingCRLF    = fmt.Errorf("%w: line is not terminated by CRLF", ErrProtocol)
	ErrTruncatedFrame = fmt.Errorf("%w: frame is truncated", ErrProtocol)
	ErrTrailingData   = fmt.Errorf("%w: unexpected data after the end of the frame", ErrProtocol)
)

// MaxLength is the largest bulk length or element count accepted, the same
// 512MB limit Redis puts on bulk strings.
const MaxLength = 512 * 1024 * 1024

type decodeFunc func(d *decoder, payload []byte) (Reply, error)

// decoders is indexed by type sigil. It is filled in init as decodeArray
// refers back to it.
var decoders [256]decodeFunc

func init() {
	decoders[SigilSimple] = decodeSimple
	decoders[SigilError] = decodeError
	decoders[SigilInteger] = decodeInteger
	decoders[SigilBulk] = decodeBulk
	decoders[SigilArray] = decodeArray
}

// Decode decodes frame, which must hold exactly one complete reply frame.
//
// A "-" frame is returned as a *Error in the error position. Malformed
// frames return an error wrapping ErrProtocol.
func Decode(frame []byte) (Reply, error) {
	d := decoder{data: frame}

	reply, err := d.decodeReply()
	if err != nil {
		return nil, err
	}

	if d.pos != len(d.data) {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTrailingData, len(d.data)-d.pos)
	}

	if e, ok := reply.(*Error); ok {
		return nil, e
	}

	return reply, nil
}

// SplitLine splits a full reply line, including its CRLF, into the type
// sigil and the text between the sigil and the CRLF.
func SplitLine(line []byte) (sigil byte, payload []byte, err error) {
	if len(line) < 3 || !bytes.HasSuffix(line, Terminal) {
		return 0, nil, fmt.Errorf("Failed to parse %q: %w", line, ErrMissingCRLF)
	}

	return line[0], line[1 : len(line)-2], nil
}

// IsKnownType returns true if sigil starts one of the five reply shapes.
func IsKnownType(sigil byte) bool {
	return decoders[sigil] != nil
}

// ParseLength parses the length of a bulk string or array header. -1 is the
// null marker, anything below it or above MaxLength is invalid.
func ParseLength(payload []byte) (int, error) {
	n, err := strconv.Atoi(string(payload))
	if err != nil || n < -1 || n > MaxLength {
		return 0, fmt.Errorf("Failed to parse %q: %w", payload, ErrInvalidLength)
	}

	return n, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) decodeReply() (Reply, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}

	sigil, payload := line[0], line[1:]

	decode := decoders[sigil]
	if decode == nil {
		return nil, fmt.Errorf("Failed to parse %q: %w", line, ErrUnknownType)
	}

	return decode(d, payload)
}

// readLine returns the next line without its CRLF. The line always holds
// at least the sigil.
func (d *decoder) readLine() ([]byte, error) {
	if d.pos >= len(d.data) {
		return nil, ErrTruncatedFrame
	}

	rest := d.data[d.pos:]

	i := bytes.Index(rest, Terminal)
	if i < 0 {
		if bytes.IndexByte(rest, '\n') >= 0 {
			return nil, fmt.Errorf("Failed to parse %q: %w", rest, ErrMissingCRLF)
		}
		return nil, ErrTruncatedFrame
	}

	if i == 0 {
		return nil, fmt.Errorf("Failed to parse empty line: %w", ErrUnknownType)
	}

	d.pos += i + len(Terminal)
	return rest[:i], nil
}

// readBody reads n bytes followed by CRLF.
func (d *decoder) readBody(n int) ([]byte, error) {
	if n > len(d.data)-d.pos-len(Terminal) {
		return nil, ErrTruncatedFrame
	}

	body := d.data[d.pos : d.pos+n]
	if !bytes.Equal(d.data[d.pos+n:d.pos+n+len(Terminal)], Terminal) {
		return nil, ErrMissingCRLF
	}

	d.pos += n + len(Terminal)
	return body, nil
}

func decodeSimple(d *decoder, payload []byte) (Reply, error) {
	return Simple{Status: string(payload)}, nil
}

func decodeError(d *decoder, payload []byte) (Reply, error) {
	return &Error{Message: string(payload)}, nil
}

func decodeInteger(d *decoder, payload []byte) (Reply, error) {
	n, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse %q: %w", payload, ErrInvalidInteger)
	}

	return Integer(n), nil
}

func decodeBulk(d *decoder, payload []byte) (Reply, error) {
	n, err := ParseLength(payload)
	if err != nil {
		return nil, err
	}

	if n == -1 {
		return NullBulk, nil
	}

	body, err := d.readBody(n)
	if err != nil {
		return nil, err
	}

	value := make([]byte, n)
	copy(value, body)

	return Bulk{Value: value}, nil
}

func decodeArray(d *decoder, payload []byte) (Reply, error) {
	n, err := ParseLength(payload)
	if err != nil {
		return nil, err
	}

	if n == -1 {
		return NullArray, nil
	}

	// Every element needs at least three bytes, don't trust n for the capacity.
	capacity := n
	if remaining := (len(d.data) - d.pos) / 3; capacity > remaining {
		capacity = remaining
	}

	elements := make([]Reply, 0, capacity)
	for i := 0; i < n; i++ {
		el, err := d.decodeReply()
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}

		elements = append(elements, el)
	}

	return Array{Elements: elements}, nil
}
