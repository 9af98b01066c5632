package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrStreamClosed = errors.New("Stream is closed")
	ErrReadPending  = errors.New("Stream already has a read pending")
	ErrBufferFull   = errors.New("Stream read buffer reached its maximum size")
	ErrInvalidRead  = errors.New("Read request is malformed")
)

// Stream is a non-blocking wrapper around a net.Conn. Reads are requested
// with ReadUntil or ReadBytes and their callbacks run on the Loop once
// enough data has arrived. Writes are queued and written in order by a
// dedicated write loop.
//
// Apart from Close, every method must be called from a task running on the
// Stream's Loop.
type Stream struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once
	userClosed int32

	loop *Loop
	conn net.Conn

	writeQueue chan []byte

	maxBufferSize int
	trace         bool
	log           *zap.Logger

	// Owned by the loop
	buf           []byte
	read          *readRequest
	reading       bool
	closed        bool
	closeCallback func(error)
}

type readRequest struct {
	delim    []byte
	n        int
	callback func([]byte)
}

// size returns how many bytes of buf satisfy the request, or -1.
func (r *readRequest) size(buf []byte) int {
	if r.delim != nil {
		i := bytes.Index(buf, r.delim)
		if i < 0 {
			return -1
		}
		return i + len(r.delim)
	}

	if len(buf) < r.n {
		return -1
	}
	return r.n
}

// Dial connects to addr and returns a Stream driven by loop.
func Dial(ctx context.Context, loop *Loop, addr string, options Options) (*Stream, error) {
	options = options.withDefaults()

	dialer := net.Dialer{
		Timeout:   options.DialTimeout,
		KeepAlive: options.KeepAlive,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to %s: %w", addr, err)
	}

	options.Log.Debug("Connected", zap.String("addr", addr))

	return NewStream(loop, conn, options), nil
}

// NewStream wraps conn. The Stream owns conn from now on.
func NewStream(loop *Loop, conn net.Conn, options Options) *Stream {
	options = options.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	s := &Stream{
		ctx:           ctx,
		cancel:        cancel,
		loop:          loop,
		conn:          conn,
		writeQueue:    make(chan []byte, options.WriteQueueSize),
		maxBufferSize: options.MaxBufferSize,
		trace:         options.Trace,
		log:           options.Log.With(zap.Stringer("remote", conn.RemoteAddr())),
	}

	s.loopWaiter.Add(2)

	go func() {
		defer s.loopWaiter.Done()
		s.readLoop()
	}()

	go func() {
		defer s.loopWaiter.Done()
		s.writeLoop()
	}()

	return s
}

// ReadUntil calls callback with everything up to and including the next
// occurrence of delim.
func (s *Stream) ReadUntil(delim []byte, callback func([]byte)) error {
	if len(delim) == 0 {
		return fmt.Errorf("%w: empty delimiter", ErrInvalidRead)
	}

	return s.setRead(&readRequest{delim: delim, callback: callback})
}

// ReadBytes calls callback with exactly n bytes.
func (s *Stream) ReadBytes(n int, callback func([]byte)) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidRead, n)
	}

	return s.setRead(&readRequest{n: n, callback: callback})
}

// Write queues data to be written. Writes happen in the order they were
// queued.
func (s *Stream) Write(data []byte) error {
	if s.closed {
		return ErrStreamClosed
	}

	select {
	case s.writeQueue <- data:
		return nil

	case <-s.ctx.Done():
		return ErrStreamClosed
	}
}

// SetCloseCallback registers callback to be called on the loop when the
// connection fails or is closed by the peer. It is not called for Close.
func (s *Stream) SetCloseCallback(callback func(error)) {
	s.closeCallback = callback
}

// Close closes the connection and waits for the read and write loops to
// exit. It can be called from any goroutine, more than once.
func (s *Stream) Close() error {
	var err error

	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.userClosed, 1)
		s.cancel()
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			// The connection already failed and was closed by the loop
			err = nil
		}
		s.loopWaiter.Wait()
	})

	return err
}

func (s *Stream) setRead(req *readRequest) error {
	if s.closed {
		return ErrStreamClosed
	}

	if s.read != nil {
		return ErrReadPending
	}

	s.read = req

	if !s.reading {
		s.tryRead()
	}

	return nil
}

// tryRead satisfies read requests from the buffer for as long as it can.
// Callbacks may request the next read, which is picked up by this loop
// rather than recursing.
func (s *Stream) tryRead() {
	s.reading = true
	defer func() { s.reading = false }()

	for s.read != nil && !s.closed {
		req := s.read

		n := req.size(s.buf)
		if n < 0 {
			return
		}

		data := make([]byte, n)
		copy(data, s.buf)
		s.buf = append(s.buf[:0], s.buf[n:]...)

		s.read = nil
		req.callback(data)
	}
}

func (s *Stream) onData(data []byte) {
	if s.closed {
		return
	}

	if s.trace {
		s.log.Debug("Read", zap.ByteString("data", data))
	}

	s.buf = append(s.buf, data...)

	if len(s.buf) > s.maxBufferSize {
		s.onClosed(fmt.Errorf("%w (%d bytes)", ErrBufferFull, len(s.buf)))
		return
	}

	if !s.reading {
		s.tryRead()
	}
}

func (s *Stream) onClosed(err error) {
	if s.closed {
		return
	}

	s.closed = true
	s.read = nil
	s.buf = nil

	if atomic.LoadInt32(&s.userClosed) == 1 {
		// Close was called, nobody needs to hear about it
		return
	}

	s.log.Warn("Connection closed", zap.Error(err))

	s.cancel()
	if cerr := s.conn.Close(); cerr != nil {
		s.log.Debug("Failed to close connection cleanly", zap.Error(cerr))
	}

	if s.closeCallback != nil {
		s.closeCallback(err)
	}
}

func (s *Stream) readLoop() {
	log := s.log.Named("readLoop")

	defer log.Debug("Read loop exited")

	for {
		chunk := make([]byte, readChunkSize)

		n, err := s.conn.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			if !s.loop.Post(func() { s.onData(data) }) {
				log.Debug("Loop stopped, exiting...")
				return
			}
		}

		if err != nil {
			s.loop.Post(func() { s.onClosed(err) })
			return
		}
	}
}

func (s *Stream) writeLoop() {
	log := s.log.Named("writeLoop")

	defer log.Debug("Write loop exited")

	for {
		select {
		case <-s.ctx.Done():
			return

		case data := <-s.writeQueue:
			if s.trace {
				log.Debug("Write", zap.ByteString("data", data))
			}

			if _, err := s.conn.Write(data); err != nil {
				log.Warn("Failed to write", zap.Error(err))

				// Unblock Write before the loop hears about the failure
				s.cancel()
				s.loop.Post(func() { s.onClosed(err) })
				return
			}
		}
	}
}
