package client

import (
	"fmt"

	"github.com/cutso/tornado-redisclient/protocol"
)

// stage is the framing stage of the reply being reassembled.
type stage int

const (
	awaitingFirstLine stage = iota
	awaitingBulkBody
	awaitingElementHeader
	awaitingElementBody
)

func (s stage) String() string {
	switch s {
	case awaitingFirstLine:
		return "AwaitingFirstLine"
	case awaitingBulkBody:
		return "AwaitingBulkBody"
	case awaitingElementHeader:
		return "AwaitingElementHeader"
	case awaitingElementBody:
		return "AwaitingElementBody"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

type stepKind int

const (
	stepReadLine stepKind = iota
	stepReadExact
	stepComplete
)

// step tells the session what to ask the transport for next.
type step struct {
	kind stepKind
	n    int
}

var (
	readLine = step{kind: stepReadLine}
	complete = step{kind: stepComplete}
)

func readExact(n int) step {
	return step{kind: stepReadExact, n: n}
}

// parseState reassembles a single reply from transport deliveries. A new
// parseState, with its own frame buffer, is used for every reply.
type parseState struct {
	stage stage
	frame []byte

	// remaining holds the element counts of the arrays still being read,
	// innermost last.
	remaining []int
}

type stageHandler func(p *parseState, data []byte) (step, error)

var stageHandlers = [...]stageHandler{
	awaitingFirstLine:     (*parseState).onFirstLine,
	awaitingBulkBody:      (*parseState).onBulkBody,
	awaitingElementHeader: (*parseState).onElementHeader,
	awaitingElementBody:   (*parseState).onElementBody,
}

func newParseState() *parseState {
	return &parseState{stage: awaitingFirstLine}
}

// feed consumes one delivery, which is a full line in the line stages and
// the requested number of bytes in the body stages.
func (p *parseState) feed(data []byte) (step, error) {
	p.frame = append(p.frame, data...)
	return stageHandlers[p.stage](p, data)
}

func (p *parseState) onFirstLine(line []byte) (step, error) {
	sigil, payload, err := protocol.SplitLine(line)
	if err != nil {
		return step{}, err
	}

	switch sigil {
	case protocol.SigilSimple, protocol.SigilError, protocol.SigilInteger:
		return complete, nil

	case protocol.SigilBulk:
		n, err := protocol.ParseLength(payload)
		if err != nil {
			return step{}, err
		}

		if n == -1 {
			return complete, nil
		}

		p.stage = awaitingBulkBody
		return readExact(n + len(protocol.Terminal)), nil

	case protocol.SigilArray:
		n, err := protocol.ParseLength(payload)
		if err != nil {
			return step{}, err
		}

		if n <= 0 {
			return complete, nil
		}

		p.remaining = append(p.remaining, n)
		p.stage = awaitingElementHeader
		return readLine, nil

	default:
		return step{}, fmt.Errorf("Failed to parse %q: %w", line, protocol.ErrUnknownType)
	}
}

func (p *parseState) onBulkBody(body []byte) (step, error) {
	return complete, nil
}

func (p *parseState) onElementHeader(line []byte) (step, error) {
	sigil, payload, err := protocol.SplitLine(line)
	if err != nil {
		return step{}, err
	}

	switch sigil {
	case protocol.SigilSimple, protocol.SigilError, protocol.SigilInteger:
		return p.elementDone(), nil

	case protocol.SigilBulk:
		n, err := protocol.ParseLength(payload)
		if err != nil {
			return step{}, err
		}

		if n == -1 {
			return p.elementDone(), nil
		}

		p.stage = awaitingElementBody
		return readExact(n + len(protocol.Terminal)), nil

	case protocol.SigilArray:
		n, err := protocol.ParseLength(payload)
		if err != nil {
			return step{}, err
		}

		if n <= 0 {
			return p.elementDone(), nil
		}

		p.remaining = append(p.remaining, n)
		return readLine, nil

	default:
		return step{}, fmt.Errorf("Failed to parse element %q: %w", line, protocol.ErrUnknownType)
	}
}

func (p *parseState) onElementBody(body []byte) (step, error) {
	return p.elementDone(), nil
}

// elementDone counts off one element, closing every array it completes.
func (p *parseState) elementDone() step {
	for len(p.remaining) > 0 {
		top := len(p.remaining) - 1

		p.remaining[top]--
		if p.remaining[top] > 0 {
			p.stage = awaitingElementHeader
			return readLine
		}

		p.remaining = p.remaining[:top]
	}

	return complete
}
