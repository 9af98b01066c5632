package protocol

import (
	"fmt"
	"strconv"
)

// Command is an ordered, non-empty list of fields that will be sent to the
// server as an array of bulk strings.
//
// Commands should be built with NewCommand, which validates and copies the
// fields so later changes to the caller's slice are not observed.
type Command struct {
	args [][]byte
}

// NewCommand builds a Command from args.
//
// Supported field types are string, []byte, every integer kind, float32,
// float64, bool and fmt.Stringer. Any other type, or an empty argument list,
// returns an error.
func NewCommand(args ...interface{}) (Command, error) {
	if len(args) == 0 {
		return Command{}, ErrEmptyCommand
	}

	fields := make([][]byte, len(args))
	for i, arg := range args {
		field, err := formatArg(arg)
		if err != nil {
			return Command{}, fmt.Errorf("field %d: %w", i, err)
		}

		fields[i] = field
	}

	return Command{args: fields}, nil
}

// MustCommand is like NewCommand but panics if the command is invalid.
func MustCommand(args ...interface{}) Command {
	cmd, err := NewCommand(args...)
	if err != nil {
		panic(err)
	}

	return cmd
}

// Len returns the number of fields in the command.
func (c Command) Len() int {
	return len(c.args)
}

// Name returns the first field of the command, or an empty string for the
// zero Command.
func (c Command) Name() string {
	if len(c.args) == 0 {
		return ""
	}

	return string(c.args[0])
}

// Arg returns a copy of the i'th field.
func (c Command) Arg(i int) []byte {
	return append([]byte(nil), c.args[i]...)
}

func (c Command) String() string {
	s := ""
	for i, arg := range c.args {
		if i > 0 {
			s += " "
		}
		s += strconv.Quote(string(arg))
	}

	return s
}

func formatArg(arg interface{}) ([]byte, error) {
	switch v := arg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64), nil
	case bool:
		if v {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidArgument, arg)
	}
}
