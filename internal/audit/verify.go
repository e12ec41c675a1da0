package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/shellgate/internal/model"
)

const maxLineBytes = 4 << 20

var knownTypes = map[string]bool{
	string(model.EventProposed):  true,
	string(model.EventApproved):  true,
	string(model.EventDenied):    true,
	string(model.EventBlocked):   true,
	string(model.EventExecuted):  true,
	string(model.EventFailed):    true,
	string(model.EventCancelled): true,
}

// VerifyResult is the outcome of a chain check. On failure ErrorLine is the
// first line that does not link to its predecessor.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Sessions  int    `json:"sessions"`
	LastHash  string `json:"last_hash,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify checks the hash chain of the log at path.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader checks a JSONL chain: the first entry links to GenesisHash,
// every later one to the hash of the raw line before it, and every entry
// has a session and a known event type.
func VerifyReader(r io.Reader) VerifyResult {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	res := VerifyResult{}
	sessions := map[string]bool{}
	want := GenesisHash
	fail := func(line int, format string, args ...any) VerifyResult {
		return VerifyResult{Lines: line - 1, Error: fmt.Sprintf(format, args...), ErrorLine: line}
	}

	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fail(n, "parse error: %v", err)
		}
		if e.PrevHash != want {
			if n == 1 {
				return fail(n, "first entry prev_hash is %q, expected genesis hash", e.PrevHash)
			}
			return fail(n, "hash mismatch: expected %s, got %s", want, e.PrevHash)
		}
		if !knownTypes[e.Type] {
			return fail(n, "unknown event type %q", e.Type)
		}
		if e.SessionID == "" {
			return fail(n, "entry has no session_id")
		}
		sessions[e.SessionID] = true
		want = HashLine(line)
	}
	if err := sc.Err(); err != nil {
		return VerifyResult{Lines: n, Error: fmt.Sprintf("scan: %v", err), ErrorLine: n + 1}
	}

	res.Valid = true
	res.Lines = n
	res.Sessions = len(sessions)
	if n > 0 {
		res.LastHash = want
	}
	return res
}
