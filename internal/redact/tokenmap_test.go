package redact

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestTokenAllocation(t *testing.T) {
	tm := NewTokenMap("s-1")
	if got := tm.Token(PatternPath, "/var/www/a"); got != "<<PATH_1>>" {
		t.Errorf("first path = %s", got)
	}
	if got := tm.Token(PatternPath, "/var/www/a"); got != "<<PATH_1>>" {
		t.Errorf("same value got new token %s", got)
	}
	if got := tm.Token(PatternPath, "/var/www/b"); got != "<<PATH_2>>" {
		t.Errorf("second path = %s", got)
	}
	if got := tm.Token(PatternIP, "10.0.0.1"); got != "<<IP_1>>" {
		t.Errorf("counters are per type: %s", got)
	}
	if tm.Len() != 3 {
		t.Errorf("len = %d", tm.Len())
	}
	if v, ok := tm.Resolve("<<PATH_2>>"); !ok || v != "/var/www/b" {
		t.Errorf("resolve = %q %v", v, ok)
	}
	if _, ok := tm.Resolve("<<PATH_99>>"); ok {
		t.Error("unknown token resolved")
	}
}

func TestTokenMapValuesLongestFirst(t *testing.T) {
	tm := NewTokenMap("s")
	tm.Token(PatternPath, "/var/www")
	tm.Token(PatternPath, "/var/www/site/config.php")
	tm.Token(PatternIP, "10.0.0.1")
	vals := tm.Values()
	for i := 1; i < len(vals); i++ {
		if len(vals[i]) > len(vals[i-1]) {
			t.Fatalf("not longest first: %v", vals)
		}
	}
}

func TestTokenMapLegend(t *testing.T) {
	tm := NewTokenMap("s")
	if tm.Legend() != "" {
		t.Error("empty map should have no legend")
	}
	tm.Token(PatternPath, "/var/www")
	tm.Token(PatternIP, "10.0.0.1")
	legend := tm.Legend()
	if !strings.Contains(legend, "<<PATH_1>>") || !strings.Contains(legend, "<<IP_1>>") {
		t.Errorf("legend missing tokens: %s", legend)
	}
	if strings.Contains(legend, "/var/www") || strings.Contains(legend, "10.0.0.1") {
		t.Error("legend leaks values")
	}
}

func TestTokenMapJSON(t *testing.T) {
	tm := NewTokenMap("s-123")
	tm.Token(PatternPath, "/var/www/site")
	tm.Token(PatternHost, "evil.host.com")

	data, err := json.Marshal(tm)
	if err != nil {
		t.Fatal(err)
	}
	var tm2 TokenMap
	if err := json.Unmarshal(data, &tm2); err != nil {
		t.Fatal(err)
	}
	if tm2.SessionID != "s-123" || tm2.Len() != 2 {
		t.Fatalf("restored %+v", tm2.Tokens())
	}
	if got := tm2.Token(PatternPath, "/etc/nginx"); got != "<<PATH_2>>" {
		t.Errorf("counter not rebuilt: %s", got)
	}
}

func TestTokenMapConcurrent(t *testing.T) {
	tm := NewTokenMap("s")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm.Token(PatternIP, "10.0.0.9")
			tm.Values()
		}()
	}
	wg.Wait()
	if tm.Len() != 1 {
		t.Fatalf("len = %d", tm.Len())
	}
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		tok  string
		typ  PatternType
		n    int
		want bool
	}{
		{"<<PATH_1>>", PatternPath, 1, true},
		{"<<DB_NAME_12>>", "DB_NAME", 12, true},
		{"PATH_1", "", 0, false},
		{"<<PATH_x>>", "", 0, false},
	}
	for _, tt := range tests {
		typ, n, ok := parseToken(tt.tok)
		if ok != tt.want || typ != tt.typ || n != tt.n {
			t.Errorf("parseToken(%q) = %s %d %v", tt.tok, typ, n, ok)
		}
	}
}
