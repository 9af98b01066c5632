package protocol

import (
	"io"
	"strconv"
)

var (
	Terminal = []byte("\r\n")
)

// Encode returns the wire form of cmd: an array of bulk strings.
func Encode(cmd Command) ([]byte, error) {
	if cmd.Len() == 0 {
		return nil, ErrEmptyCommand
	}

	size := 1 + 20 + len(Terminal)
	for _, arg := range cmd.args {
		size += 1 + 20 + len(Terminal) + len(arg) + len(Terminal)
	}

	return AppendCommand(make([]byte, 0, size), cmd), nil
}

// AppendCommand appends the wire form of cmd to dst. A zero Command appends
// an empty array header.
func AppendCommand(dst []byte, cmd Command) []byte {
	dst = appendHeader(dst, SigilArray, int64(len(cmd.args)))

	for _, arg := range cmd.args {
		dst = appendHeader(dst, SigilBulk, int64(len(arg)))
		dst = append(dst, arg...)
		dst = append(dst, Terminal...)
	}

	return dst
}

// WriteCommand encodes cmd and writes it to w in a single Write call.
func WriteCommand(w io.Writer, cmd Command) error {
	b, err := Encode(cmd)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

func appendHeader(dst []byte, sigil byte, n int64) []byte {
	dst = append(dst, sigil)
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, Terminal...)
}
