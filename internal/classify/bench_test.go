package classify

import "testing"

func BenchmarkAnalyzeChain_Simple(b *testing.B) {
	c := New(nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.AnalyzeChain("ls -la")
	}
}

func BenchmarkAnalyzeChain_Compound(b *testing.B) {
	c := New(nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.AnalyzeChain("git add -A && git commit -m 'x' && go test ./... | tee out.log; git push")
	}
}

func BenchmarkPropose(b *testing.B) {
	c := New(nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Propose(`find . -name '*.go' -exec gofmt -l {} \;`, "format check")
	}
}
