// Package listener provides the single-goroutine channel consumer both
// the WAL's serialized writer and the store's background compactor are
// built on: one named goroutine drains an input channel and calls a
// handler, so callers never need to reason about concurrent access to
// whatever the handler touches.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Listener drains a single channel of T on a dedicated goroutine, calling
// handler for every value until Stop is called or the channel closes. A
// handler that returns an error is logged and the listener keeps running:
// a single bad input must not take the whole store down, since the WAL
// writer and the compactor are both meant to survive a transient failure
// and retry on the next input rather than crash the process.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

// New builds a Listener named name, reading from in. The name is used
// only for log correlation, so the two listeners running at once (the
// WAL writer and the compactor) can be told apart in the log stream.
// stopHandler, if given, runs once after the consumer goroutine has
// fully drained and exited.
func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// Start launches the consumer goroutine. Safe to call once per Listener.
func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		slog.Debug("listener started", "name", l.name)
		for {
			if err := l.run(ctx); err != nil {
				if errors.Is(err, errListenerStopped) {
					return
				}
				slog.Error("listener handler failed, continuing", "name", l.name, "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		return l.handler(inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

// Stop cancels the consumer, waits for the in-flight handler call (if any)
// to finish, then runs the stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
	slog.Debug("listener stopped", "name", l.name)
}
