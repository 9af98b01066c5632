package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cutso/tornado-redisclient/protocol"
)

// ReplyText renders a result for a terminal, in the style of redis-cli.
func ReplyText(reply protocol.Reply, err error) string {
	return strings.Join(textLines(reply, err), "\n")
}

func textLines(reply protocol.Reply, err error) []string {
	if err != nil {
		var replyErr *protocol.Error
		if errors.As(err, &replyErr) {
			return []string{"(error) " + replyErr.Message}
		}

		return []string{"(fault) " + err.Error()}
	}

	switch v := reply.(type) {
	case protocol.Simple:
		return []string{v.Status}

	case protocol.Integer:
		return []string{"(integer) " + strconv.FormatInt(int64(v), 10)}

	case protocol.Bulk:
		if v.Null {
			return []string{"(nil)"}
		}
		return []string{strconv.Quote(string(v.Value))}

	case protocol.Array:
		if v.Null {
			return []string{"(nil)"}
		}

		if len(v.Elements) == 0 {
			return []string{"(empty array)"}
		}

		width := len(strconv.Itoa(len(v.Elements)))

		var lines []string
		for i, el := range v.Elements {
			var elLines []string
			if e, ok := el.(*protocol.Error); ok {
				elLines = textLines(nil, e)
			} else {
				elLines = textLines(el, nil)
			}

			prefix := fmt.Sprintf("%*d) ", width, i+1)
			pad := strings.Repeat(" ", len(prefix))

			for j, line := range elLines {
				if j == 0 {
					lines = append(lines, prefix+line)
				} else {
					lines = append(lines, pad+line)
				}
			}
		}

		return lines

	case *protocol.Error:
		return textLines(nil, v)

	default:
		return []string{"(none)"}
	}
}
