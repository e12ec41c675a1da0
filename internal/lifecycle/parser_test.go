package lifecycle

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func osc133(param string) []byte {
	return []byte("\x1b]133;" + param + "\x07")
}

func osc133ST(param string) []byte {
	return []byte("\x1b]133;" + param + "\x1b\\")
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestParserMarkers(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []Event
		state TerminalState
	}{
		{"prompt start", osc133("A"), []Event{{Kind: PromptStart}}, Prompt},
		{"input ready", osc133("B"), []Event{{Kind: InputReady}}, Input},
		{"command start", osc133("C"), []Event{{Kind: CommandStart}}, Executing},
		{"command end zero", osc133("D;0"), []Event{{Kind: CommandEnd, ExitCode: 0, HasCode: true}}, Idle},
		{"command end nonzero", osc133("D;127"), []Event{{Kind: CommandEnd, ExitCode: 127, HasCode: true}}, Idle},
		{"command end no code", osc133("D"), []Event{{Kind: CommandEnd}}, Idle},
		{"command end garbage code", osc133("D;x1"), []Event{{Kind: CommandEnd}}, Idle},
		{"st terminator", osc133ST("A"), []Event{{Kind: PromptStart}}, Prompt},
		{"prompt with options", osc133("A;cl=m"), []Event{{Kind: PromptStart}}, Prompt},
		{"cwd", []byte("\x1b]7;file://host/home/u/src\x07"), []Event{{Kind: CwdChanged, Path: "/home/u/src"}}, Idle},
		{"unknown marker", osc133("Z"), nil, Idle},
		{"empty 133", osc133(""), nil, Idle},
		{"title osc ignored", []byte("\x1b]0;my title\x07"), nil, Idle},
		{"csi ignored", []byte("\x1b[31mred\x1b[0m"), nil, Idle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			got := p.Feed(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("events = %+v, want %+v", got, tt.want)
			}
			if p.State() != tt.state {
				t.Errorf("state = %s, want %s", p.State(), tt.state)
			}
		})
	}
}

func TestParserFullCycle(t *testing.T) {
	p := NewParser()
	steps := []struct {
		in    []byte
		state TerminalState
	}{
		{osc133("D;0"), Idle},
		{osc133("A"), Prompt},
		{osc133("B"), Input},
		{osc133("C"), Executing},
		{[]byte("output line\r\n"), Executing},
		{osc133("D;1"), Idle},
		{osc133("A"), Prompt},
	}
	for i, s := range steps {
		p.Feed(s.in)
		if p.State() != s.state {
			t.Fatalf("step %d: state = %s, want %s", i, p.State(), s.state)
		}
	}
	if !p.MarkersSeen() {
		t.Error("expected MarkersSeen")
	}
}

func TestParserInterleavedOutput(t *testing.T) {
	p := NewParser()
	data := concat([]byte("hello "), osc133("A"), []byte("$ "), osc133("B"), []byte("ls"), osc133("C"), []byte("a b c"))
	got := p.Feed(data)
	want := []Event{{Kind: PromptStart}, {Kind: InputReady}, {Kind: CommandStart}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
}

func TestParserOversizedSequenceRecovers(t *testing.T) {
	p := NewParser()
	long := make([]byte, MaxParamLen*2)
	for i := range long {
		long[i] = 'x'
	}
	data := concat([]byte("\x1b]133;"), long, []byte("\x07"), osc133("A"))
	got := p.Feed(data)
	want := []Event{{Kind: PromptStart}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
	if p.Malformed() != 1 {
		t.Errorf("malformed = %d, want 1", p.Malformed())
	}
}

func TestParserMalformedLeavesStateUnchanged(t *testing.T) {
	p := NewParser()
	p.Feed(osc133("C"))
	p.Feed(osc133("Q"))
	p.Feed([]byte("\x1b]133;AB\x07"))
	if p.State() != Executing {
		t.Errorf("state = %s, want executing", p.State())
	}
}

func TestParserEscInsideOscStartsNewSequence(t *testing.T) {
	p := NewParser()
	// An OSC terminated by a bare ESC followed by another OSC.
	data := []byte("\x1b]133;A\x1b]133;B\x07")
	got := p.Feed(data)
	want := []Event{{Kind: PromptStart}, {Kind: InputReady}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
}

func sampleStream() []byte {
	return concat(
		[]byte("Last login: today\r\n"),
		osc133("D;0"), []byte("\x1b]7;file://box/tmp\x07"), osc133("A"),
		[]byte("\x1b[1muser@box\x1b[0m $ "), osc133("B"),
		[]byte("make test\r\n"), osc133("C"),
		[]byte("ok\r\n\x1b]0;title\x07FAIL\r\n"), osc133ST("D;2"),
		osc133("A"), []byte("$ "), osc133("B"),
	)
}

func TestParserChunkBoundaryInvariance(t *testing.T) {
	stream := sampleStream()
	want := NewParser().Feed(stream)
	if len(want) != 8 {
		t.Fatalf("expected 8 events from sample stream, got %d: %+v", len(want), want)
	}

	// Every single split point.
	for i := 0; i <= len(stream); i++ {
		p := NewParser()
		got := append(p.Feed(stream[:i]), p.Feed(stream[i:])...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: events = %+v, want %+v", i, got, want)
		}
	}

	// Byte at a time.
	p := NewParser()
	var got []Event
	for i := range stream {
		got = append(got, p.Feed(stream[i:i+1])...)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("byte-at-a-time: events = %+v, want %+v", got, want)
	}

	// Random partitions.
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 200; n++ {
		p := NewParser()
		var got []Event
		rest := stream
		for len(rest) > 0 {
			k := rng.Intn(len(rest)) + 1
			got = append(got, p.Feed(rest[:k])...)
			rest = rest[k:]
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("random partition %d: events = %+v, want %+v", n, got, want)
		}
	}
}

func TestDetectShell(t *testing.T) {
	tests := []struct {
		cmd  string
		want ShellKind
	}{
		{"/bin/bash", Bash},
		{"/usr/bin/zsh", Zsh},
		{"/usr/local/bin/fish", Fish},
		{"/bin/sh", Unknown},
		{"bash", Bash},
		{"-zsh", Zsh},
	}
	for _, tt := range tests {
		if got := DetectShell(tt.cmd); got != tt.want {
			t.Errorf("DetectShell(%q) = %s, want %s", tt.cmd, got, tt.want)
		}
	}
}

func TestScriptsEmitAllMarkers(t *testing.T) {
	for _, kind := range []ShellKind{Bash, Zsh, Fish} {
		script, ok := Script(kind)
		if !ok {
			t.Fatalf("%s: no script", kind)
		}
		for _, m := range []string{"133;A", "133;B", "133;C", "133;D", "]7;file://"} {
			if !strings.Contains(script, m) {
				t.Errorf("%s script missing %q", kind, m)
			}
		}
	}
	if _, ok := Script(Unknown); ok {
		t.Error("unknown shell should have no script")
	}
}
