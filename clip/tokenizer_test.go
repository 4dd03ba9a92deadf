package clip

import (
	"strings"
	"testing"
)

// The real CLIP merge table (~49k entries) isn't present anywhere in
// this repo's reference material (see the package doc comment), so
// these tests build a small synthetic one exercising the same code
// paths: byte tokenization, the merge loop, end-of-word marking, and
// recursive decode.
func tinyVocab(t *testing.T) *Vocab {
	t.Helper()
	// "ab" -> a single merge of 'a' with the end-of-word form of 'b'
	aTok := byteToToken('a')
	bTok := byteToToken('b') + 256 // "ab" is only 2 bytes, so 'b' always carries the end-of-word mark
	merges := sprintPair(aTok, bTok) + "\n" // rank 512: "ab"
	v, err := LoadVocab(strings.NewReader(merges))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func sprintPair(a, b int32) string {
	return itoa(a) + " " + itoa(b)
}

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestByteTokenRoundTrip(t *testing.T) {
	for b := 0; b < 256; b++ {
		tok := byteToToken(byte(b))
		back, ok := tokenToByte(tok)
		if !ok {
			t.Fatalf("byte %d -> token %d has no inverse", b, tok)
		}
		if back != byte(b) {
			t.Fatalf("byte %d -> token %d -> byte %d, want round trip", b, tok, back)
		}
	}
}

func TestBpeMergeAppliesLoadedMerge(t *testing.T) {
	v := tinyVocab(t)
	toks := v.bpeMerge("ab")
	// "a"+"b" should merge into one token (rank 512), marked end-of-word.
	if len(toks) != 1 {
		t.Fatalf("bpeMerge(\"ab\") = %v, want a single merged token", toks)
	}
	if toks[0] != 512 {
		t.Fatalf("bpeMerge(\"ab\") = %v, want [512]", toks)
	}
}

func TestBpeMergeLeavesUnmergeableWordAsByteTokens(t *testing.T) {
	v := tinyVocab(t)
	toks := v.bpeMerge("xy")
	if len(toks) != 2 {
		t.Fatalf("bpeMerge(\"xy\") = %v, want 2 byte tokens (no merge available)", toks)
	}
	wantX := byteToToken('x')
	wantY := byteToToken('y') + 256
	if toks[0] != wantX || toks[1] != wantY {
		t.Fatalf("bpeMerge(\"xy\") = %v, want [%d %d]", toks, wantX, wantY)
	}
}

func TestTokenizeSplitsOnWhitespace(t *testing.T) {
	v := tinyVocab(t)
	toks, err := v.Tokenize("ab xy")
	if err != nil {
		t.Fatal(err)
	}
	// "ab" -> 1 merged token, "xy" -> 2 byte tokens = 3 total.
	if len(toks) != 3 {
		t.Fatalf("Tokenize(\"ab xy\") = %v, want 3 tokens", toks)
	}
}

func TestWrapForEncoderAddsStartEndPad(t *testing.T) {
	p := ClipParams{NToken: 5, TokStart: 1, TokEnd: 2, TokPad: 2}
	out, err := WrapForEncoder(p, []int32{10, 11})
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{1, 10, 11, 2, 2}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("WrapForEncoder = %v, want %v", out, want)
		}
	}
}

func TestWrapForEncoderRejectsOverlongPrompt(t *testing.T) {
	p := ClipParams{NToken: 4, TokStart: 1, TokEnd: 2, TokPad: 2}
	if _, err := WrapForEncoder(p, []int32{10, 11, 12}); err == nil {
		t.Fatal("expected an error for a prompt too long to fit")
	}
}

func TestDecodeTokenRoundTripsByteTokens(t *testing.T) {
	v := &Vocab{rank: map[mergeKey]int32{}, merge: map[int32]mergeKey{}}
	s, err := v.DecodeToken(byteToToken('a'))
	if err != nil {
		t.Fatal(err)
	}
	if s != "a" {
		t.Fatalf("DecodeToken(byteToToken('a')) = %q, want \"a\"", s)
	}
	s2, err := v.DecodeToken(byteToToken('a') + 256)
	if err != nil {
		t.Fatal(err)
	}
	if s2 != "a " {
		t.Fatalf("DecodeToken(end-of-word 'a') = %q, want \"a \"", s2)
	}
}

func TestDecodeTokenResolvesMergedPair(t *testing.T) {
	v := tinyVocab(t)
	s, err := v.DecodeToken(512)
	if err != nil {
		t.Fatal(err)
	}
	if s != "a"+"b " {
		t.Fatalf("DecodeToken(512) = %q, want %q", s, "ab ")
	}
}
