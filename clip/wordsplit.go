package clip

import (
	"fmt"

	"github.com/dlclark/regexp2"
)

// wordSplitPattern mirrors clip_tokr_word_split: English contraction
// suffixes matched as literal alternatives ahead of the general
// letter/number/punctuation runs, case-insensitively, per
// original_source/src/clip.c. Go's RE2-based regexp package cannot
// express this alternation the way CLIP's reference tokenizer does
// (case-insensitive literal alternatives ahead of Unicode-category
// runs, evaluated in one left-to-right scan), so this uses
// github.com/dlclark/regexp2's backtracking engine per SPEC_FULL.md
// §4.5.
var wordSplitPattern = regexp2.MustCompile(
	`'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]+|[^\s\p{L}\p{N}]+`,
	regexp2.IgnoreCase)

// splitWords breaks text into CLIP's word units: whitespace is a pure
// separator (never itself a word), English contractions split off
// their apostrophe suffix, and any other maximal run of one Unicode
// category (letters, numbers, or "other") becomes one word.
func splitWords(text string) ([]string, error) {
	var words []string
	m, err := wordSplitPattern.FindStringMatch(text)
	if err != nil {
		return nil, fmt.Errorf("clip: word split: %w", err)
	}
	for m != nil {
		words = append(words, m.String())
		m, err = wordSplitPattern.FindNextMatch(m)
		if err != nil {
			return nil, fmt.Errorf("clip: word split: %w", err)
		}
	}
	return words, nil
}
