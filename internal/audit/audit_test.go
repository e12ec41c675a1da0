package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testEntry(typ string) Entry {
	return Entry{
		Timestamp:  time.Now().UTC().Format(TimestampFormat),
		SessionID:  "s-test123",
		Turn:       1,
		Type:       typ,
		Command:    "echo hello",
		Risk:       "read_only",
		Method:     MethodAuto,
		PolicyHash: "sha256:abc123",
	}
}

// writeChain records the given event types and returns the raw lines.
func writeChain(t *testing.T, types ...string) (string, []string) {
	t.Helper()
	l, path := newTestLog(t)
	for i, typ := range types {
		if err := l.Record(testEntry(typ)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, strings.Split(strings.TrimSpace(string(data)), "\n")
}

func rewrite(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	path, lines := writeChain(t, "proposed", "approved", "executed", "proposed", "denied")

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 || result.Sessions != 1 {
		t.Fatalf("lines=%d sessions=%d, want 5 and 1", result.Lines, result.Sessions)
	}
	if result.LastHash != HashLine([]byte(lines[4])) {
		t.Fatalf("last hash %s does not match the final line", result.LastHash)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	fake := testEntry("approved")
	fake.PrevHash = "sha256:fake"
	fakeJSON, _ := json.Marshal(fake)

	tests := []struct {
		name     string
		edit     func(lines []string) []string
		wantLine int
	}{
		{
			name: "modified entry",
			edit: func(l []string) []string {
				l[1] = strings.Replace(l[1], `"echo hello"`, `"rm -rf build"`, 1)
				return l
			},
			wantLine: 3,
		},
		{
			name:     "deleted entry",
			edit:     func(l []string) []string { return []string{l[0], l[2], l[3]} },
			wantLine: 2,
		},
		{
			name:     "inserted entry",
			edit:     func(l []string) []string { return []string{l[0], string(fakeJSON), l[1], l[2], l[3]} },
			wantLine: 2,
		},
		{
			name:     "reordered entries",
			edit:     func(l []string) []string { return []string{l[0], l[2], l[1], l[3]} },
			wantLine: 2,
		},
		{
			name:     "head removed",
			edit:     func(l []string) []string { return l[1:] },
			wantLine: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, lines := writeChain(t, "proposed", "approved", "executed", "proposed")
			rewrite(t, path, tt.edit(lines))

			result := Verify(path)
			if result.Valid {
				t.Fatal("expected tampered chain to be invalid")
			}
			if result.ErrorLine != tt.wantLine {
				t.Fatalf("error at line %d, want %d (%s)", result.ErrorLine, tt.wantLine, result.Error)
			}
		})
	}
}

func TestVerifyRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(testEntry("proposed"))
	l.Record(testEntry("escalated"))
	l.Close()

	result := Verify(path)
	if result.Valid || result.ErrorLine != 2 || !strings.Contains(result.Error, "escalated") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestVerifyRejectsMissingSession(t *testing.T) {
	l, path := newTestLog(t)
	e := testEntry("executed")
	e.SessionID = ""
	l.Record(e)
	l.Close()

	if result := Verify(path); result.Valid || result.ErrorLine != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestVerifyCountsSessions(t *testing.T) {
	l, path := newTestLog(t)
	for _, id := range []string{"s-a", "s-b", "s-a", "s-c"} {
		e := testEntry("proposed")
		e.SessionID = id
		l.Record(e)
	}
	l.Close()

	if result := Verify(path); !result.Valid || result.Sessions != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	result := VerifyReader(strings.NewReader(""))
	if !result.Valid {
		t.Fatalf("expected empty log to be valid, got: %s", result.Error)
	}
	if result.Lines != 0 || result.LastHash != "" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestVerifyMissingFile(t *testing.T) {
	result := Verify(filepath.Join(t.TempDir(), "missing.jsonl"))
	if result.Valid || !strings.HasPrefix(result.Error, "open:") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(testEntry("executed"))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestFirstEntryLinksToGenesis(t *testing.T) {
	_, lines := writeChain(t, "proposed")

	var entry Entry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, entry.PrevHash)
	}
}

func TestHashLine(t *testing.T) {
	line := []byte(`{"ts":"2025-01-15T10:30:00.000Z","session_id":"s-abc","turn":1,"type":"executed","command":"echo","prev_hash":"sha256:def"}`)
	h1 := HashLine(line)
	if h1 != HashLine(line) {
		t.Fatal("hash is not deterministic")
	}
	if !strings.HasPrefix(h1, "sha256:") || len(h1) != len("sha256:")+64 {
		t.Fatalf("unexpected hash format %q", h1)
	}
	if HashLine([]byte("policy_v1")) == HashLine([]byte("policy_v2")) {
		t.Fatal("expected different hashes for different inputs")
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Record(testEntry("proposed"))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		l2.Record(testEntry("denied"))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerify10KEntriesUnder1Second(t *testing.T) {
	l, path := newTestLog(t)

	entry := testEntry("executed")
	for i := 0; i < 10000; i++ {
		if err := l.Record(entry); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	start := time.Now()
	result := Verify(path)
	elapsed := time.Since(start)

	if !result.Valid || result.Lines != 10000 {
		t.Fatalf("unexpected result %+v", result)
	}
	if elapsed > time.Second {
		t.Fatalf("verification took %v, expected < 1s", elapsed)
	}
}
