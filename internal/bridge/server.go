package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Options struct {
	Host string
	Port string

	// NumListeners is the number of SO_REUSEPORT listeners sharing the
	// address. Defaults to the number of CPUs.
	NumListeners int

	Log *zap.Logger
}

// Server serves an http.Handler from several listeners bound to the same
// address.
type Server struct {
	http *http.Server

	addr         string
	numListeners int
	listeners    []net.Listener
	serveWaiter  sync.WaitGroup

	log *zap.Logger
}

func NewServer(handler http.Handler, options Options) *Server {
	numListeners := options.NumListeners
	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	// Each listener would get its own ephemeral port
	if options.Port == "0" {
		numListeners = 1
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		http:         &http.Server{Handler: handler},
		addr:         net.JoinHostPort(options.Host, options.Port),
		numListeners: numListeners,
		log:          log,
	}
}

// Start binds every listener and starts serving. If any listener fails to
// bind the ones already bound are closed.
func (s *Server) Start() error {
	s.log.Info("Starting http listeners", zap.Int("count", s.numListeners), zap.String("addr", s.addr))

	for i := 0; i < s.numListeners; i++ {
		listener, err := reuseport.Listen("tcp", s.addr)
		if err != nil {
			return multierr.Append(err, s.closeListeners())
		}

		s.listeners = append(s.listeners, listener)
	}

	for i, listener := range s.listeners {
		s.serveWaiter.Add(1)

		go func(log *zap.Logger, listener net.Listener) {
			defer s.serveWaiter.Done()

			if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http listener errored", zap.Error(err))
			}
		}(s.log.With(zap.Int("listener", i)), listener)
	}

	return nil
}

// Addr returns the address of the first listener, or nil before Start.
func (s *Server) Addr() net.Addr {
	if len(s.listeners) == 0 {
		return nil
	}

	return s.listeners[0].Addr()
}

// Shutdown stops accepting connections and waits, until ctx is done, for
// active requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.http.SetKeepAlivesEnabled(false)

	err := s.http.Shutdown(ctx)
	s.serveWaiter.Wait()

	return err
}

func (s *Server) closeListeners() (err error) {
	for _, listener := range s.listeners {
		if cerr := listener.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}

	s.listeners = nil
	return err
}
