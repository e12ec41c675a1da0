package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ReplayFilter holds filtering criteria for session replay.
type ReplayFilter struct {
	SessionID string    // empty = every session
	Type      string    // empty = every type
	From      time.Time // zero value = no lower bound
	To        time.Time // zero value = no upper bound
}

// ReplaySummary holds event counts and metadata for a replayed session.
type ReplaySummary struct {
	Total          int    `json:"total"`
	Proposed       int    `json:"proposed"`
	Approved       int    `json:"approved"`
	Denied         int    `json:"denied"`
	Blocked        int    `json:"blocked"`
	Executed       int    `json:"executed"`
	Failed         int    `json:"failed"`
	Cancelled      int    `json:"cancelled"`
	Turns          int    `json:"turns"`
	MaxRisk        string `json:"max_risk,omitempty"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and summary for a session replay.
type ReplayResult struct {
	SessionID string        `json:"session_id,omitempty"`
	Entries   []Entry       `json:"entries"`
	Summary   ReplaySummary `json:"summary"`
}

// Match reports whether e passes the filter.
func (f ReplayFilter) Match(e Entry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

// Replay reads the audit log and returns entries matching the filter.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{SessionID: filter.SessionID}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		if !filter.Match(entry) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	return result, nil
}

// Tail returns the last n entries of the log, oldest first.
func Tail(path string, n int) ([]Entry, error) {
	res, err := Replay(path, ReplayFilter{})
	if err != nil {
		return nil, err
	}
	if n > 0 && len(res.Entries) > n {
		return res.Entries[len(res.Entries)-n:], nil
	}
	return res.Entries, nil
}

var riskRank = map[string]int{
	"read_only": 0, "build_test": 1, "write": 2, "destructive": 3,
	"network": 4, "privileged": 5, "denied": 6,
}

func updateSummary(s *ReplaySummary, entry Entry) {
	s.Total++

	switch entry.Type {
	case "proposed":
		s.Proposed++
	case "approved":
		s.Approved++
	case "denied":
		s.Denied++
	case "blocked":
		s.Blocked++
	case "executed":
		s.Executed++
	case "failed":
		s.Failed++
	case "cancelled":
		s.Cancelled++
	}

	if entry.Turn > s.Turns {
		s.Turns = entry.Turn
	}

	risks := entry.Risks
	if entry.Risk != "" {
		risks = append(risks, entry.Risk)
	}
	for _, r := range risks {
		if rank, ok := riskRank[r]; ok {
			if cur, ok := riskRank[s.MaxRisk]; !ok || rank > cur {
				s.MaxRisk = r
			}
		}
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}
