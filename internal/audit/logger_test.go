package audit

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
}

type failingSink struct{}

func (failingSink) Record(Entry) error { return errors.New("disk full") }

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Entry
}

func (s *blockingSink) Record(e Entry) error {
	<-s.release
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
	return nil
}

func TestLoggerWritesInOrderAndFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l := NewLogger(sink, WithDefaults("s-default", "sha256:policy", 2))
	for i := 1; i <= 20; i++ {
		l.Record(Entry{Turn: i, Type: "proposed"})
	}
	l.Close()
	sink.Close()

	res, err := Replay(path, ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(res.Entries))
	}
	for i, e := range res.Entries {
		if e.Turn != i+1 {
			t.Fatalf("entry %d: out of order turn %d", i, e.Turn)
		}
		if e.SessionID != "s-default" || e.PolicyHash != "sha256:policy" || e.Depth != 2 {
			t.Fatalf("defaults not applied: %+v", e)
		}
		if e.Timestamp == "" {
			t.Fatal("expected timestamp")
		}
	}
	if v := Verify(path); !v.Valid {
		t.Fatalf("chain invalid: %s", v.Error)
	}
}

func TestLoggerReportsSinkFailures(t *testing.T) {
	var mu sync.Mutex
	var failed []Entry
	l := NewLogger(failingSink{}, WithFailureHandler(func(e Entry, err error) {
		mu.Lock()
		failed = append(failed, e)
		mu.Unlock()
	}))
	l.Record(Entry{Type: "executed"})
	l.Close()

	if l.Failures() != 1 {
		t.Fatalf("expected 1 failure, got %d", l.Failures())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].Type != "executed" {
		t.Fatalf("failure handler got %+v", failed)
	}
	select {
	case err := <-l.Errors():
		if err == nil {
			t.Fatal("expected error on channel")
		}
	default:
		t.Fatal("expected error on channel")
	}
}

func TestLoggerRecordNeverBlocksWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	l := NewLogger(sink, WithBuffer(1))

	// One entry may be held by the writer, one fills the buffer; the
	// rest overflow.
	for i := 0; i < 10; i++ {
		l.Record(Entry{Turn: i})
	}
	if l.Failures() < 8 {
		t.Fatalf("expected at least 8 overflow failures, got %d", l.Failures())
	}
	err := <-l.Errors()
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	close(sink.release)
	l.Close()
}

func TestLoggerRecordAfterClose(t *testing.T) {
	l := NewLogger(nil)
	l.Close()
	l.Record(Entry{Type: "executed"})
	if l.Failures() != 1 {
		t.Fatalf("expected record after close to count as failure, got %d", l.Failures())
	}
	l.Close()
}

func TestDiscardDropsSilently(t *testing.T) {
	l := Discard()
	l.Record(Entry{Type: "proposed"})
	l.Close()
	if l.Failures() != 0 {
		t.Fatalf("expected no failures, got %d", l.Failures())
	}
}

func TestLogRecordAfterCloseWrapsErrWriteFailed(t *testing.T) {
	l, _ := newTestLog(t)
	l.Close()
	err := l.Record(testEntry("allow"))
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}
