package client

import (
	"context"
	"errors"

	"github.com/cutso/tornado-redisclient/protocol"
)

var ErrNotReady = errors.New("Reply has not arrived yet")

// Callback receives the reply to a single request, or the error that
// replaced it. Callbacks run on the session's loop and must not block.
type Callback func(reply protocol.Reply, err error)

// Future is the pending result of a single request. It is resolved exactly
// once, when the session dispatches the matching reply or fails the request.
type Future struct {
	done  chan struct{}
	reply protocol.Reply
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve is only ever reached from the single pending queue entry that
// owns the future.
func (f *Future) resolve(reply protocol.Reply, err error) {
	f.reply = reply
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the reply, or ErrNotReady if Done has not been closed.
//
// Error replies from the server are returned as a *protocol.Error.
func (f *Future) Result() (protocol.Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	default:
		return nil, ErrNotReady
	}
}

// Wait blocks until the result is available or ctx is done. Giving up on
// the wait does not remove the request from the pipeline.
func (f *Future) Wait(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result pairs a reply with its error for Pipeline.
type Result struct {
	Reply protocol.Reply
	Err   error
}
