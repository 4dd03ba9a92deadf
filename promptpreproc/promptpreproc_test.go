package promptpreproc

import (
	"math"
	"testing"
)

func assertChunks(t *testing.T, got []Chunk, want []Chunk) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("chunk count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Text != want[i].Text || math.Abs(float64(got[i].Weight-want[i].Weight)) > 1e-5 {
			t.Fatalf("chunk %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func assertLoras(t *testing.T, got []Lora, want []Lora) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("lora count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Name != want[i].Name || math.Abs(float64(got[i].Weight-want[i].Weight)) > 1e-5 {
			t.Fatalf("lora %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseRaw(t *testing.T) {
	text := "a (dog:1.5) jumping [in] the ((park))"
	p := ParseRaw(text)
	assertChunks(t, p.Chunks, []Chunk{{text, 1}})
}

func TestParseSimple(t *testing.T) {
	p, err := Parse("a dog jumping")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a dog jumping", 1}})
}

func TestParseParenEmphasis(t *testing.T) {
	p, err := Parse("a (dog) jumping")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a ", 1}, {"dog", 1.1}, {" jumping", 1}})
}

func TestParseBracketDeemphasis(t *testing.T) {
	p, err := Parse("a [dog] jumping")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a ", 1}, {"dog", 1 / 1.1}, {" jumping", 1}})
}

func TestParseNestedParenEmphasis(t *testing.T) {
	p, err := Parse("a ((dog)) jumping")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a ", 1}, {"dog", 1.1 * 1.1}, {" jumping", 1}})
}

func TestParseExplicitWeight(t *testing.T) {
	p, err := Parse("a (dog:1.5) jumping")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a ", 1}, {"dog", 1.5}, {" jumping", 1}})
}

func TestParseLoraDirectiveDefaultMultiplier(t *testing.T) {
	p, err := Parse("a dog jum<lora:LORA NAME>ping")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a dog jumping", 1}})
	assertLoras(t, p.Loras, []Lora{{"LORA NAME", 1}})
}

func TestParseLoraDirectiveExplicitMultiplier(t *testing.T) {
	p, err := Parse("a dog jum<lora:LORA NAME:0.8>ping")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a dog jumping", 1}})
	assertLoras(t, p.Loras, []Lora{{"LORA NAME", 0.8}})
}

func TestParseEscapedParens(t *testing.T) {
	p, err := Parse(`a \(dog\) jumping`)
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a (dog) jumping", 1}})
}

func TestParseEscapedLoraDirectiveIsLiteral(t *testing.T) {
	p, err := Parse(`a dog jum\<lora:LORA NAME>ping`)
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"a dog jum<lora:LORA NAME>ping", 1}})
	assertLoras(t, p.Loras, nil)
}

func TestParseBreakIsIgnoredButSurroundingSpaceKept(t *testing.T) {
	p, err := Parse("normal BREAK normal")
	if err != nil {
		t.Fatal(err)
	}
	assertChunks(t, p.Chunks, []Chunk{{"normal  normal", 1}})
}

func TestParseUnmatchedCloseParenErrors(t *testing.T) {
	if _, err := Parse("a dog) jumping"); err == nil {
		t.Fatal("expected an error for an unmatched ')'")
	}
}

func TestParseUnknownOptionErrors(t *testing.T) {
	if _, err := Parse("a dog <unknown:thing>"); err == nil {
		t.Fatal("expected an error for an unrecognized '<...>' option")
	}
}
