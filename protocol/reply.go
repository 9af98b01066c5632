package protocol

import "fmt"

// Type identifies the shape of a Reply.
type Type string

const (
	TypeSimple  Type = "simple"
	TypeError   Type = "error"
	TypeInteger Type = "integer"
	TypeBulk    Type = "bulk"
	TypeArray   Type = "array"
)

// Reply is a decoded server reply. The set of implementations is closed:
// Simple, Integer, Bulk, Array and *Error.
type Reply interface {
	Type() Type
	reply()
}

// Simple is a status reply such as "+OK". It is the success sentinel; the
// status text is kept only so it can be displayed.
type Simple struct {
	Status string
}

// Integer is a ":" reply.
type Integer int64

// Bulk is a binary safe "$" reply. Null is set for "$-1".
type Bulk struct {
	Value []byte
	Null  bool
}

// Array is a "*" reply. Null is set for "*-1".
type Array struct {
	Elements []Reply
	Null     bool
}

// Error is a "-" reply. It is returned as an error by Decode and delivered
// as an error to the request it answers.
type Error struct {
	Message string
}

func (Simple) Type() Type  { return TypeSimple }
func (Integer) Type() Type { return TypeInteger }
func (Bulk) Type() Type    { return TypeBulk }
func (Array) Type() Type   { return TypeArray }
func (*Error) Type() Type  { return TypeError }

func (Simple) reply()  {}
func (Integer) reply() {}
func (Bulk) reply()    {}
func (Array) reply()   {}
func (*Error) reply()  {}

func (e *Error) Error() string {
	return e.Message
}

// Prefix returns the first word of the message, e.g. "ERR" or "WRONGTYPE".
func (e *Error) Prefix() string {
	for i := 0; i < len(e.Message); i++ {
		if e.Message[i] == ' ' {
			return e.Message[:i]
		}
	}

	return e.Message
}

// NullBulk and NullArray are the decoded forms of "$-1" and "*-1".
var (
	NullBulk  = Bulk{Null: true}
	NullArray = Array{Null: true}
)

// IsOK returns true if r is the Simple success sentinel.
func IsOK(r Reply) bool {
	_, ok := r.(Simple)
	return ok
}

// IsNull returns true for null bulk strings and null arrays.
func IsNull(r Reply) bool {
	switch v := r.(type) {
	case Bulk:
		return v.Null
	case Array:
		return v.Null
	default:
		return false
	}
}

// Value converts a Reply into plain Go values: true for Simple, int64 for
// Integer, []byte or nil for Bulk, []interface{} or nil for Array and error
// for *Error.
func Value(r Reply) interface{} {
	switch v := r.(type) {
	case Simple:
		return true
	case Integer:
		return int64(v)
	case Bulk:
		if v.Null {
			return nil
		}
		return v.Value
	case Array:
		if v.Null {
			return nil
		}
		values := make([]interface{}, len(v.Elements))
		for i, el := range v.Elements {
			values[i] = Value(el)
		}
		return values
	case *Error:
		return error(v)
	case nil:
		return nil
	default:
		panic(fmt.Sprintf("protocol: unknown reply type %T", r))
	}
}

var _ Reply = Simple{}
var _ Reply = Integer(0)
var _ Reply = Bulk{}
var _ Reply = Array{}
var _ Reply = (*Error)(nil)
var _ error = (*Error)(nil)
