package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Loop runs posted tasks one at a time, in the order they were posted, on
// the goroutine that called Run. Everything a Stream, or a session built on
// it, mutates is only touched from inside loop tasks.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}

	log *zap.Logger
}

func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}

	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		log:  log,
	}
}

// Post schedules fn to run on the loop. It never blocks, and returns false
// if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// A wake up is already pending
	}

	return true
}

// Run executes tasks until ctx is cancelled or Stop is called. Tasks that
// were posted before the loop stopped still run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	log := l.log.Named("loop")

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			l.runPending(log)
			return ctx.Err()

		case <-l.stop:
			l.runPending(log)
			return nil

		case <-l.wake:
			l.runPending(log)
		}
	}
}

// Stop stops the loop. It is safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.stopped {
		l.stopped = true
		close(l.stop)
	}
}

// Stopped is closed once Stop has been called
func (l *Loop) Stopped() <-chan struct{} {
	return l.stop
}

func (l *Loop) runPending(log *zap.Logger) {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return
		}

		for _, task := range tasks {
			l.runTask(log, task)
		}
	}
}

func (l *Loop) runTask(log *zap.Logger, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Uncaught panic in loop task", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	task()
}
