package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexIngestAndQuery(t *testing.T) {
	ctx := context.Background()
	path := writeTestLog(t)
	idx := openTestIndex(t)

	n, err := idx.Ingest(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Fatalf("expected 6 ingested, got %d", n)
	}

	tests := []struct {
		name string
		q    Query
		want int
	}{
		{"all", Query{}, 6},
		{"session", Query{SessionID: "s-aaa"}, 5},
		{"type", Query{Type: "executed"}, 2},
		{"risk in list", Query{Risk: "read_only"}, 3},
		{"risk exact", Query{Risk: "denied"}, 1},
		{"command", Query{Command: "git status"}, 1},
		{"limit", Query{Limit: 2}, 2},
		{"combined", Query{SessionID: "s-bbb", Type: "executed"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.Query(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Fatalf("expected %d entries, got %d", tt.want, len(got))
			}
		})
	}
}

func TestIndexQueryNewestFirst(t *testing.T) {
	ctx := context.Background()
	path := writeTestLog(t)
	idx := openTestIndex(t)
	if _, err := idx.Ingest(ctx, path); err != nil {
		t.Fatal(err)
	}
	got, err := idx.Query(ctx, Query{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Type != "denied" {
		t.Fatalf("expected newest entry first, got %s", got[0].Type)
	}
}

func TestIndexIngestIsIncremental(t *testing.T) {
	ctx := context.Background()
	path := writeTestLog(t)
	idx := openTestIndex(t)

	if _, err := idx.Ingest(ctx, path); err != nil {
		t.Fatal(err)
	}
	n, err := idx.Ingest(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected nothing new, got %d", n)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(Entry{SessionID: "s-ccc", Turn: 1, Type: "executed", Command: "pwd"})
	l.Close()

	n, err = idx.Ingest(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new entry, got %d", n)
	}
}

func TestIndexReingestsTruncatedLog(t *testing.T) {
	ctx := context.Background()
	path := writeTestLog(t)
	idx := openTestIndex(t)
	if _, err := idx.Ingest(ctx, path); err != nil {
		t.Fatal(err)
	}

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, `{"session_id":"s-new","turn":1,"type":"proposed"}`+"\n")

	if _, err := idx.Ingest(ctx, path); err != nil {
		t.Fatal(err)
	}
	got, err := idx.Query(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SessionID != "s-new" {
		t.Fatalf("expected only the new entry, got %+v", got)
	}
}

func TestIndexSessions(t *testing.T) {
	ctx := context.Background()
	path := writeTestLog(t)
	idx := openTestIndex(t)
	if _, err := idx.Ingest(ctx, path); err != nil {
		t.Fatal(err)
	}
	stats, err := idx.Sessions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(stats))
	}
	a := stats[0]
	if a.SessionID != "s-aaa" {
		t.Fatalf("expected most recent session first, got %s", a.SessionID)
	}
	if a.Entries != 5 || a.Executed != 1 || a.Denied != 2 {
		t.Fatalf("unexpected rollup: %+v", a)
	}
}
