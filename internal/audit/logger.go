package audit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sink persists entries. *Log is the production sink.
type Sink interface {
	Record(Entry) error
}

// FailureFunc receives entries that could not be persisted. It runs on the
// writer goroutine or, for a full buffer, on the caller's goroutine, and
// must not block.
type FailureFunc func(Entry, error)

// Logger is the non-blocking front of a Sink. Record enqueues and returns
// immediately; a single writer goroutine preserves order. Failures never
// reach the caller: they go to the failure handler and the Errors channel.
type Logger struct {
	sink      Sink
	ch        chan Entry
	errs      chan error
	onFail    FailureFunc
	defaults  Entry
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	failures  atomic.Int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithBuffer sets the queue capacity (default 256).
func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ch = make(chan Entry, n)
		}
	}
}

// WithFailureHandler installs the secondary reporting channel.
func WithFailureHandler(f FailureFunc) Option {
	return func(l *Logger) { l.onFail = f }
}

// WithDefaults fills SessionID, PolicyHash and Depth on entries that leave
// them empty.
func WithDefaults(sessionID, policyHash string, depth int) Option {
	return func(l *Logger) {
		l.defaults = Entry{SessionID: sessionID, PolicyHash: policyHash, Depth: depth}
	}
}

// NewLogger starts the writer goroutine. A nil sink discards entries.
func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink: sink,
		ch:   make(chan Entry, 256),
		errs: make(chan error, 16),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.run()
	return l
}

// Discard returns a Logger that drops every entry, used when auditing is
// disabled.
func Discard() *Logger {
	return NewLogger(nil, WithBuffer(1))
}

// Record enqueues e. It never blocks and never returns an error.
func (l *Logger) Record(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	if e.SessionID == "" {
		e.SessionID = l.defaults.SessionID
	}
	if e.PolicyHash == "" {
		e.PolicyHash = l.defaults.PolicyHash
	}
	if e.Depth == 0 {
		e.Depth = l.defaults.Depth
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.fail(e, fmt.Errorf("%w: logger closed", ErrWriteFailed))
		return
	}
	select {
	case l.ch <- e:
	default:
		l.fail(e, fmt.Errorf("%w: buffer full", ErrWriteFailed))
	}
}

// Errors delivers write failures. Slow readers miss errors; the failure
// handler still sees all of them.
func (l *Logger) Errors() <-chan error { return l.errs }

// Failures returns the number of entries that were not persisted.
func (l *Logger) Failures() int64 { return l.failures.Load() }

// Close stops accepting entries, drains the queue and waits for the writer.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
		<-l.done
	})
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.ch {
		if l.sink == nil {
			continue
		}
		if err := l.sink.Record(e); err != nil {
			l.fail(e, err)
		}
	}
}

func (l *Logger) fail(e Entry, err error) {
	l.failures.Add(1)
	if l.onFail != nil {
		l.onFail(e, err)
	}
	select {
	case l.errs <- err:
	default:
	}
}
