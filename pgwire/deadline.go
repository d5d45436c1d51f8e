package pgwire

import (
	"time"
)

// pastDeadline is a non-zero time far in the past. Setting a connection
// deadline to it forces any in-progress or future I/O to fail with a timeout
// immediately, without closing the connection.
var pastDeadline = time.Date(1, 1, 1, 1, 1, 1, 1, time.UTC)

type deadlineSetter interface {
	SetDeadline(time.Time) error
}

// ctxWatcher converts a context done channel into SetDeadline calls so that
// blocking reads and writes can be interrupted by context cancellation. It is
// reusable and must not be used concurrently.
type ctxWatcher struct {
	unwatchChan    chan struct{}
	conn           deadlineSetter
	deadlineWasSet bool
	finished       bool
}

// watch arms the watcher. If doneChan is closed before unwatch is called the
// connection deadline is set to pastDeadline, interrupting any blocked I/O. A
// nil doneChan makes unwatch a no-op.
func (w *ctxWatcher) watch(doneChan <-chan struct{}, conn deadlineSetter) {
	if w.unwatchChan == nil {
		w.unwatchChan = make(chan struct{})
	}
	w.conn = conn
	w.deadlineWasSet = false
	w.finished = false

	if doneChan != nil {
		go func() {
			select {
			case <-doneChan:
				conn.SetDeadline(pastDeadline)
				w.deadlineWasSet = true
				<-w.unwatchChan
			case <-w.unwatchChan:
			}
		}()
	} else {
		w.finished = true
	}
}

// unwatch disarms the watcher and clears the deadline if the watcher fired.
func (w *ctxWatcher) unwatch() {
	if !w.finished {
		w.unwatchChan <- struct{}{}
		if w.deadlineWasSet {
			w.conn.SetDeadline(time.Time{})
		}
		w.finished = true
	}
}
