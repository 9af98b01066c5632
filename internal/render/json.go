package render

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cutso/tornado-redisclient/client"
	"github.com/cutso/tornado-redisclient/protocol"
)

var (
	ErrInvalidBody    = errors.New("Request body is not valid JSON")
	ErrInvalidCommand = errors.New("Command must be a non-empty array of strings, numbers or booleans")
)

// typeFault marks errors that did not come from the server, such as
// framing faults or a closed session.
const typeFault = "fault"

// ReplyJSON renders a single result as {"type":...,"value":...}, or
// {"type":"error","error":...} for error replies.
func ReplyJSON(reply protocol.Reply, err error) ([]byte, error) {
	if err != nil {
		return errorJSON(err)
	}

	if reply == nil {
		return []byte(`{"type":"none"}`), nil
	}

	out, err := sjson.SetBytes([]byte(`{}`), "type", string(reply.Type()))
	if err != nil {
		return nil, err
	}

	switch v := reply.(type) {
	case protocol.Simple:
		return sjson.SetBytes(out, "value", v.Status)

	case protocol.Integer:
		return sjson.SetBytes(out, "value", int64(v))

	case protocol.Bulk:
		if v.Null {
			return sjson.SetRawBytes(out, "value", []byte("null"))
		}
		return sjson.SetBytes(out, "value", string(v.Value))

	case protocol.Array:
		if v.Null {
			return sjson.SetRawBytes(out, "value", []byte("null"))
		}

		out, err = sjson.SetRawBytes(out, "value", []byte("[]"))
		if err != nil {
			return nil, err
		}

		for i, el := range v.Elements {
			raw, err := elementJSON(el)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}

			if out, err = sjson.SetRawBytes(out, "value.-1", raw); err != nil {
				return nil, err
			}
		}

		return out, nil

	case *protocol.Error:
		return errorJSON(v)

	default:
		return nil, fmt.Errorf("Unknown reply type %T", reply)
	}
}

// ResultsJSON renders pipeline results as a JSON array, one object per
// command.
func ResultsJSON(results []client.Result) ([]byte, error) {
	out := []byte("[]")

	for i, result := range results {
		raw, err := ReplyJSON(result.Reply, result.Err)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}

		if out, err = sjson.SetRawBytes(out, "-1", raw); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func elementJSON(el protocol.Reply) ([]byte, error) {
	if e, ok := el.(*protocol.Error); ok {
		return errorJSON(e)
	}

	return ReplyJSON(el, nil)
}

func errorJSON(err error) ([]byte, error) {
	typ, message := typeFault, err.Error()

	var replyErr *protocol.Error
	if errors.As(err, &replyErr) {
		typ, message = string(protocol.TypeError), replyErr.Message
	}

	out, err := sjson.SetBytes([]byte(`{}`), "type", typ)
	if err != nil {
		return nil, err
	}

	return sjson.SetBytes(out, "error", message)
}

// CommandFromJSON reads {"command":["SET","k","v"]}.
func CommandFromJSON(body []byte) (protocol.Command, error) {
	if !gjson.ValidBytes(body) {
		return protocol.Command{}, ErrInvalidBody
	}

	return commandFromResult(gjson.GetBytes(body, "command"))
}

// CommandsFromJSON reads {"commands":[["SET","k","v"],["GET","k"]]}.
func CommandsFromJSON(body []byte) ([]protocol.Command, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidBody
	}

	list := gjson.GetBytes(body, "commands")
	if !list.IsArray() || len(list.Array()) == 0 {
		return nil, fmt.Errorf("%w: commands must be a non-empty array", ErrInvalidCommand)
	}

	var cmds []protocol.Command
	for i, r := range list.Array() {
		cmd, err := commandFromResult(r)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}

		cmds = append(cmds, cmd)
	}

	return cmds, nil
}

func commandFromResult(r gjson.Result) (protocol.Command, error) {
	if !r.IsArray() {
		return protocol.Command{}, ErrInvalidCommand
	}

	fields := r.Array()
	if len(fields) == 0 {
		return protocol.Command{}, ErrInvalidCommand
	}

	args := make([]interface{}, len(fields))
	for i, f := range fields {
		switch f.Type {
		case gjson.String:
			args[i] = f.Str
		case gjson.Number:
			// Raw keeps the number as written, large integers included
			args[i] = f.Raw
		case gjson.True, gjson.False:
			args[i] = f.Bool()
		default:
			return protocol.Command{}, fmt.Errorf("%w: field %d is %s", ErrInvalidCommand, i, f.Type)
		}
	}

	return protocol.NewCommand(args...)
}
