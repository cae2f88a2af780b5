package console

import (
	"context"
	"errors"
	"sync"
)

// ErrWatchCanceled is the result of a watch detached by Cancel before any
// message matched.
var ErrWatchCanceled = errors.New("console: watch canceled")

// NakError is the failure result of a watch whose nak pattern matched.
type NakError struct {
	Text string
}

func (e *NakError) Error() string { return "console: negative acknowledgement: " + e.Text }

// Watch is a one-shot registration on a Source that settles on the first
// message matching its ack or nak pattern.
type Watch struct {
	ack Pattern
	nak Pattern

	mu          sync.Mutex
	settled     bool
	text        string
	err         error
	unsubscribe func()
	done        chan struct{}
}

// WaitForMessage subscribes to src and returns a watch that settles with the
// text of the first message matching ack, or with a *NakError for the first
// message matching nak. ack is checked first, so a message matching both is a
// success. nak may be nil. There is no timeout; bound Wait with a context.
func WaitForMessage(src Source, ack, nak Pattern) *Watch {
	if ack == nil {
		panic("console: WaitForMessage with nil ack pattern")
	}
	w := &Watch{ack: ack, nak: nak, done: make(chan struct{})}
	unsubscribe := src.Subscribe(w.handle)

	w.mu.Lock()
	if w.settled {
		w.mu.Unlock()
		unsubscribe()
		return w
	}
	w.unsubscribe = unsubscribe
	w.mu.Unlock()
	return w
}

func (w *Watch) handle(msg Message) {
	w.mu.Lock()
	if w.settled {
		w.mu.Unlock()
		return
	}
	switch {
	case w.ack.Match(msg.Text):
		w.settleLocked(msg.Text, nil)
	case w.nak != nil && w.nak.Match(msg.Text):
		w.settleLocked("", &NakError{Text: msg.Text})
	default:
		w.mu.Unlock()
	}
}

// settleLocked records the result, detaches and releases w.mu.
func (w *Watch) settleLocked(text string, err error) {
	w.settled = true
	w.text = text
	w.err = err
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(w.done)
}

// Done is closed once the watch has settled.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Result returns the settled outcome: the ack text, or an empty string with a
// *NakError carrying the nak text. Before Done is closed it returns an empty
// string and a nil error.
func (w *Watch) Result() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text, w.err
}

// Wait blocks until the watch settles or ctx ends. A ctx error leaves the
// registration in place; call Cancel to detach.
func (w *Watch) Wait(ctx context.Context) (string, error) {
	select {
	case <-w.done:
		return w.Result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel detaches a pending watch, settling it with ErrWatchCanceled. It is a
// no-op after the watch has settled.
func (w *Watch) Cancel() {
	w.mu.Lock()
	if w.settled {
		w.mu.Unlock()
		return
	}
	w.settleLocked("", ErrWatchCanceled)
}
