package transport

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultMaxBufferSize  = 100 * 1024 * 1024
	DefaultWriteQueueSize = 127

	readChunkSize = 4096
)

type Options struct {
	// DialTimeout bounds connection establishment
	DialTimeout time.Duration

	// KeepAlive is passed to net.Dialer, zero uses the Go default
	KeepAlive time.Duration

	// MaxBufferSize is the most unread data a Stream will hold before it
	// closes the connection
	MaxBufferSize int

	// WriteQueueSize is how many writes can be queued before Write blocks
	WriteQueueSize int

	// Trace will log every chunk read or written. This is only useful in local debugging
	Trace bool

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}

	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}

	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
