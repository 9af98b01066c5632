package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cutso/tornado-redisclient/protocol"
	"github.com/cutso/tornado-redisclient/transport"
)

const (
	DefaultPushBufferSize = 255
)

var (
	ErrClosed = errors.New("Session is closed")
)

// Scheduler runs posted functions one at a time, in order. *transport.Loop
// is the production implementation.
type Scheduler interface {
	Post(fn func()) bool
}

// Stream is the transport a Session drives. Every method except Close is
// only called from tasks running on the session's Scheduler, and read
// callbacks are expected to run there too.
type Stream interface {
	Write(data []byte) error
	ReadUntil(delim []byte, callback func([]byte)) error
	ReadBytes(n int, callback func([]byte)) error
	SetCloseCallback(callback func(error))
	Close() error
}

type Options struct {
	// PushBufferSize is the capacity of the channel returned by Pushes
	PushBufferSize int

	Metrics *Metrics

	// Transport is used by Dial
	Transport transport.Options

	Log *zap.Logger
}

// Session pipelines commands over a single connection. Any number of
// commands can be sent before their replies arrive, replies are handed to
// requests in the order the commands were written.
//
// Public methods can be called from any goroutine. Everything else happens
// on the Scheduler: writing commands, queueing their callbacks, reassembling
// replies and dispatching them.
type Session struct {
	loop   Scheduler
	stream Stream

	closing int32

	pushes chan protocol.Reply

	metrics *Metrics
	log     *zap.Logger

	// Owned by the loop
	pending []Callback
	state   *parseState
	closed  bool
}

var _ Stream = (*transport.Stream)(nil)
var _ Scheduler = (*transport.Loop)(nil)

// Dial connects to addr and starts a Session on loop.
func Dial(ctx context.Context, loop *transport.Loop, addr string, options Options) (*Session, error) {
	if options.Transport.Log == nil && options.Log != nil {
		options.Transport.Log = options.Log.Named("transport")
	}

	stream, err := transport.Dial(ctx, loop, addr, options.Transport)
	if err != nil {
		return nil, err
	}

	return New(loop, stream, options), nil
}

// New starts a Session over stream. The Session owns stream from now on.
func New(loop Scheduler, stream Stream, options Options) *Session {
	if options.PushBufferSize <= 0 {
		options.PushBufferSize = DefaultPushBufferSize
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	s := &Session{
		loop:    loop,
		stream:  stream,
		pushes:  make(chan protocol.Reply, options.PushBufferSize),
		metrics: options.Metrics,
		log:     options.Log.Named("session"),
	}

	loop.Post(func() {
		s.stream.SetCloseCallback(s.onStreamClosed)
		s.waitReply()
	})

	return s
}

// Fetch sends cmd and returns a Future for its reply. Invalid commands are
// rejected here and never reach the connection.
func (s *Session) Fetch(cmd protocol.Command) (*Future, error) {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return nil, err
	}

	f := newFuture()
	if err := s.enqueue([][]byte{data}, []Callback{f.resolve}); err != nil {
		return nil, err
	}

	return f, nil
}

// FetchFunc sends cmd and calls callback, on the session's loop, with its
// reply.
func (s *Session) FetchFunc(cmd protocol.Command, callback Callback) error {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	return s.enqueue([][]byte{data}, []Callback{callback})
}

// Do builds a command from args, sends it and waits for the reply. ctx only
// bounds the wait.
func (s *Session) Do(ctx context.Context, args ...interface{}) (protocol.Reply, error) {
	cmd, err := protocol.NewCommand(args...)
	if err != nil {
		return nil, err
	}

	f, err := s.Fetch(cmd)
	if err != nil {
		return nil, err
	}

	return f.Wait(ctx)
}

// Ping sends PING and waits for the reply.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Do(ctx, "PING")
	return err
}

// Pipeline sends every command back to back, with no other command in
// between, and waits for all their replies. Per command failures, including
// error replies, are reported in the Result, the returned error is only set
// if nothing was sent or ctx ended the wait.
func (s *Session) Pipeline(ctx context.Context, cmds ...protocol.Command) ([]Result, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	frames := make([][]byte, len(cmds))
	for i, cmd := range cmds {
		data, err := protocol.Encode(cmd)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}

		frames[i] = data
	}

	futures := make([]*Future, len(cmds))
	callbacks := make([]Callback, len(cmds))
	for i := range futures {
		futures[i] = newFuture()
		callbacks[i] = futures[i].resolve
	}

	if err := s.enqueue(frames, callbacks); err != nil {
		return nil, err
	}

	results := make([]Result, len(cmds))
	for i, f := range futures {
		reply, err := f.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			return results[:i], err
		}

		results[i] = Result{Reply: reply, Err: err}
	}

	return results, nil
}

// Pushes returns replies that arrived while no request was waiting, such as
// pub/sub messages. The channel is closed when the session closes.
func (s *Session) Pushes() <-chan protocol.Reply {
	return s.pushes
}

// Close closes the connection and fails every pending request with
// ErrClosed. No method may be called after Close.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closing, 0, 1) {
		return nil
	}

	err := s.stream.Close()

	if !s.loop.Post(func() { s.shutdown(ErrClosed) }) {
		s.log.Warn("Loop stopped before the session closed, pending requests were abandoned")
	}

	return err
}

// enqueue writes frames and queues their callbacks in a single loop task so
// the pending queue always mirrors the write order.
func (s *Session) enqueue(frames [][]byte, callbacks []Callback) error {
	if atomic.LoadInt32(&s.closing) == 1 {
		return ErrClosed
	}

	posted := s.loop.Post(func() {
		for i, data := range frames {
			if s.closed {
				s.invoke(callbacks[i], nil, ErrClosed)
				continue
			}

			if err := s.stream.Write(data); err != nil {
				s.invoke(callbacks[i], nil, fmt.Errorf("%w: %w", ErrClosed, err))
				continue
			}

			s.pending = append(s.pending, callbacks[i])
			s.metrics.requestSent()
		}
	})

	if !posted {
		return ErrClosed
	}

	return nil
}

// waitReply starts reassembling the next reply.
func (s *Session) waitReply() {
	s.state = newParseState()
	s.arm(readLine)
}

func (s *Session) arm(next step) {
	var err error

	switch next.kind {
	case stepReadLine:
		err = s.stream.ReadUntil(protocol.Terminal, s.onRead)
	case stepReadExact:
		err = s.stream.ReadBytes(next.n, s.onRead)
	}

	switch {
	case err == nil, errors.Is(err, transport.ErrStreamClosed):
		// The close callback fails whatever is pending

	case errors.Is(err, transport.ErrReadPending):
		// A read is already armed, nothing is stalled
		s.log.Error("Failed to request a read", zap.Error(err))

	default:
		// The reply in progress can never complete, give up on it
		s.metrics.framingFault()
		s.log.Warn("Discarding reply, the read could not be requested",
			zap.Stringer("stage", s.state.stage),
			zap.ByteString("frame", s.state.frame),
			zap.Error(err))

		s.complete(nil, err)
	}
}

func (s *Session) onRead(data []byte) {
	if s.closed || s.state == nil {
		return
	}

	next, err := s.state.feed(data)
	if err != nil {
		s.metrics.framingFault()
		s.log.Warn("Discarding malformed reply",
			zap.Stringer("stage", s.state.stage),
			zap.ByteString("frame", s.state.frame),
			zap.Error(err))

		s.complete(nil, err)
		return
	}

	if next.kind != stepComplete {
		s.arm(next)
		return
	}

	reply, err := protocol.Decode(s.state.frame)
	s.complete(reply, err)
}

// complete dispatches a finished reply and re-arms for the next one, even if
// decoding failed or the callback panicked.
func (s *Session) complete(reply protocol.Reply, err error) {
	s.state = nil

	defer func() {
		if !s.closed {
			s.waitReply()
		}
	}()

	s.dispatch(reply, err)
}

// dispatch hands a reply to the oldest pending request.
func (s *Session) dispatch(reply protocol.Reply, err error) {
	if len(s.pending) == 0 {
		s.unsolicited(reply, err)
		return
	}

	callback := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]

	s.metrics.requestDone(reply, err)
	s.invoke(callback, reply, err)
}

func (s *Session) unsolicited(reply protocol.Reply, err error) {
	if err != nil {
		s.log.Warn("Received a failed reply with no request waiting", zap.Error(err))
		return
	}

	select {
	case s.pushes <- reply:
	default:
		s.metrics.pushDropped()
		s.log.Warn("Push channel is full, dropping reply",
			zap.String("type", string(reply.Type())))
	}
}

func (s *Session) invoke(callback Callback, reply protocol.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Uncaught callback panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	callback(reply, err)
}

func (s *Session) onStreamClosed(err error) {
	s.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
}

// shutdown fails every pending request with err. It runs at most once.
func (s *Session) shutdown(err error) {
	if s.closed {
		return
	}

	s.closed = true
	s.state = nil

	pending := s.pending
	s.pending = nil

	if len(pending) > 0 {
		s.log.Info("Failing pending requests", zap.Int("count", len(pending)), zap.Error(err))
	}

	for _, callback := range pending {
		s.metrics.requestDone(nil, err)
		s.invoke(callback, nil, err)
	}

	close(s.pushes)
}
