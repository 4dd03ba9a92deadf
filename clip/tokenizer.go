package clip

import (
	"fmt"
	"math"
	"unicode"
	"unicode/utf8"
)

// wordToByteTokens implements clip_tokr_word_to_byte_tokens: lower-case
// each codepoint, re-encode to UTF-8, map every resulting byte through
// byteToToken.
func wordToByteTokens(word string) []int32 {
	var toks []int32
	for _, r := range word {
		lr := unicode.ToLower(r)
		var buf [utf8.UTFMax]byte
		n := utf8.EncodeRune(buf[:], lr)
		for _, b := range buf[:n] {
			toks = append(toks, byteToToken(b))
		}
	}
	return toks
}

// bpeMerge implements clip_tokr_bpe_merges: mark the word's last byte
// token as end-of-word (+256), then repeatedly merge the adjacent pair
// with the lowest merge rank until no merge applies.
func (v *Vocab) bpeMerge(word string) []int32 {
	toks := wordToByteTokens(word)
	if len(toks) == 0 {
		return nil
	}
	toks[len(toks)-1] += 256

	for len(toks) > 1 {
		bestRank := int32(math.MaxInt32)
		bestPos := -1
		for i := 1; i < len(toks); i++ {
			if r, ok := v.rank[mergeKey{toks[i-1], toks[i]}]; ok && r < bestRank {
				bestRank = r
				bestPos = i
			}
		}
		if bestPos < 0 {
			break
		}
		toks[bestPos-1] = bestRank
		toks = append(toks[:bestPos], toks[bestPos+1:]...)
	}
	return toks
}

// Tokenize implements clip_tokenize: split text into words, BPE-merge
// each word independently, and concatenate the resulting token ids —
// with no special tokens added (callers needing a fixed-length
// model input wrap the result with WrapForEncoder).
func (v *Vocab) Tokenize(text string) ([]int32, error) {
	words, err := splitWords(text)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, w := range words {
		out = append(out, v.bpeMerge(w)...)
	}
	return out, nil
}

// WrapForEncoder implements spec.md §4.5's fixed-length wrapping: a
// leading tok_start, the content tokens, a tok_end, and tok_pad out to
// p.NToken. Returns an error when the content doesn't fit.
func WrapForEncoder(p ClipParams, toks []int32) ([]int32, error) {
	maxContent := p.NToken - 2
	if len(toks) > maxContent {
		return nil, fmt.Errorf("clip: prompt has %d tokens, exceeds max %d for n_token=%d", len(toks), maxContent, p.NToken)
	}
	out := make([]int32, p.NToken)
	out[0] = int32(p.TokStart)
	copy(out[1:], toks)
	out[1+len(toks)] = int32(p.TokEnd)
	for i := 2 + len(toks); i < p.NToken; i++ {
		out[i] = int32(p.TokPad)
	}
	return out, nil
}

// DecodeToken implements clip_token_decode: ids 0-255 decode to the byte
// tokenToByte maps them to, 256-511 decode to the byte for id-256 plus a
// trailing space (the end-of-word marker), and ids 512+ recursively
// decode their merged pair.
func (v *Vocab) DecodeToken(tok int32) (string, error) {
	switch {
	case tok < 0:
		return "", fmt.Errorf("clip: invalid token %d", tok)
	case tok <= 255:
		b, ok := tokenToByte(tok)
		if !ok {
			return "", fmt.Errorf("clip: invalid byte token %d", tok)
		}
		return string([]byte{b}), nil
	case tok <= 511:
		b, ok := tokenToByte(tok - 256)
		if !ok {
			return "", fmt.Errorf("clip: invalid byte token %d", tok)
		}
		return string([]byte{b}) + " ", nil
	default:
		pair, ok := v.merge[tok]
		if !ok {
			return "", fmt.Errorf("clip: unknown merge token %d", tok)
		}
		left, err := v.DecodeToken(pair.left)
		if err != nil {
			return "", err
		}
		right, err := v.DecodeToken(pair.right)
		if err != nil {
			return "", err
		}
		return left + right, nil
	}
}

// Decode concatenates DecodeToken over a full sequence, skipping
// tok_start/tok_end/tok_pad special ids (callers pass the encoder's
// special-token ids so this has no hidden dependency on a single
// model's ClipParams).
func (v *Vocab) Decode(toks []int32, special map[int32]bool) (string, error) {
	var sb []byte
	for _, tok := range toks {
		if special[tok] {
			continue
		}
		s, err := v.DecodeToken(tok)
		if err != nil {
			return "", err
		}
		sb = append(sb, s...)
	}
	return string(sb), nil
}
