package clip

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type mergeKey struct{ left, right int32 }

// Vocab is the loaded BPE merge table: merge rank lookup by (left,
// right) token-id pair in one direction, and its inverse for decode.
// Token ids 0-255 are raw bytes, 256-511 are end-of-word-marked bytes,
// and 512+rank are the loaded merges, matching original_source/src/
// clip.c's "first 512 = UTF-8 bytes x {mid-word, end-of-word}" layout.
type Vocab struct {
	rank  map[mergeKey]int32
	merge map[int32]mergeKey
	count int32
}

// LoadVocab reads merges from r, one "left right" integer token-id
// pair per line (blank lines ignored), in increasing merge-priority
// order — see the package doc comment for why this engine takes the
// merge table as external input rather than a compiled-in constant.
func LoadVocab(r io.Reader) (*Vocab, error) {
	v := &Vocab{rank: map[mergeKey]int32{}, merge: map[int32]mergeKey{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("clip: malformed merge line %q", line)
		}
		left, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("clip: malformed merge line %q: %w", line, err)
		}
		right, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("clip: malformed merge line %q: %w", line, err)
		}
		id := 512 + v.count
		key := mergeKey{int32(left), int32(right)}
		v.rank[key] = id
		v.merge[id] = key
		v.count++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("clip: reading merges: %w", err)
	}
	return v, nil
}

// NVocab returns the total vocabulary size (256 byte tokens + 256
// end-of-word byte tokens + the loaded merges), matching the
// n_vocab == COUNTOF(merges)+512 assertion original_source/src/clip.c
// makes at load time (spec.md's additional +2 covers tok_start/tok_end,
// which this port treats as separate special ids rather than entries
// in the merge-derived vocabulary proper).
func (v *Vocab) NVocab() int { return 512 + int(v.count) }
