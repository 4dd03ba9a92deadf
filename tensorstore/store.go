// Package tensorstore parses and holds the weight tensors of a model:
// format A (safetensors-style header+blob) and format B (GGUF) files, a
// logical-name -> {dtype, shape, byte range, source} index, and a
// target-dtype conversion cache. Grounded on
// original_source/src/ccompute/tensorstore.{h,c} and cross-checked against
// nlpodyssey-safetensors' header parsing.
package tensorstore

import (
	"fmt"
	"io"
	"sort"

	"imgsynth-go/dtype"
)

// Source abstracts the backing byte stream a tensor's data is read from
// (a memory-mapped file, an *os.File, or an in-memory buffer in tests).
type Source interface {
	io.ReaderAt
}

// Entry is one parameter tensor's metadata: logical name id, dtype, shape
// (inner-first, up to 4 dims, spec.md §3), and its byte range in Source.
type Entry struct {
	NameID int
	Dtype  dtype.Type
	Shape  [4]int
	Offset int64
	Size   int64
	Source Source

	cache entryCache
}

// NElements returns the product of non-zero shape dims (trailing unused
// dims are 1, never 0).
func (e *Entry) NElements() int {
	n := 1
	for _, d := range e.Shape {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// MetaEntry is a string-valued metadata key/value pair (format A's
// `__metadata__`, format B's non-tensor KV block).
type MetaEntry struct {
	Key   string
	Value string
}

// Store is the insertion-ordered set of tensor entries plus a key-sorted
// index for O(log n) lookup, exactly as spec.md §3 describes. Strings are
// interned into Names so entries carry a stable integer id rather than a
// repeated string.
type Store struct {
	Names *StringInterner

	entries    []*Entry
	entryIndex []int // indices into entries, sorted by NameID

	meta      []MetaEntry
	metaIndex []int // indices into meta, sorted by key name
}

// NewStore returns an empty store with its own string interner.
func NewStore() *Store {
	return &Store{Names: NewStringInterner()}
}

// AddTensor inserts a new entry, enforcing the "every entry's key is
// unique" invariant of spec.md §3.
func (s *Store) AddTensor(name string, e Entry) error {
	id := s.Names.Intern(name)
	if _, ok := s.findTensor(id); ok {
		return fmt.Errorf("tensorstore: %q: %w", name, ErrDuplicate)
	}
	e.NameID = id
	s.entries = append(s.entries, &e)
	s.reindexTensors()
	return nil
}

// GetTensor looks up an entry by name, nil if absent.
func (s *Store) GetTensor(name string) *Entry {
	id, ok := s.Names.Lookup(name)
	if !ok {
		return nil
	}
	if i, ok := s.findTensor(id); ok {
		return s.entries[i]
	}
	return nil
}

func (s *Store) findTensor(id int) (int, bool) {
	// entryIndex is sorted by NameID; binary search it, then map back to
	// the entries slice.
	pos := sort.Search(len(s.entryIndex), func(i int) bool {
		return s.entries[s.entryIndex[i]].NameID >= id
	})
	if pos < len(s.entryIndex) && s.entries[s.entryIndex[pos]].NameID == id {
		return s.entryIndex[pos], true
	}
	return 0, false
}

func (s *Store) reindexTensors() {
	idx := make([]int, len(s.entries))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return s.entries[idx[a]].NameID < s.entries[idx[b]].NameID
	})
	s.entryIndex = idx
}

// Tensors returns entries in insertion order (the order format A's write
// path needs to reproduce tensor data in).
func (s *Store) Tensors() []*Entry { return s.entries }

// SetMeta upserts a string metadata entry.
func (s *Store) SetMeta(key, value string) {
	for i, m := range s.meta {
		if m.Key == key {
			s.meta[i].Value = value
			return
		}
	}
	s.meta = append(s.meta, MetaEntry{Key: key, Value: value})
	s.reindexMeta()
}

func (s *Store) GetMeta(key string) (string, bool) {
	pos := sort.Search(len(s.metaIndex), func(i int) bool {
		return s.meta[s.metaIndex[i]].Key >= key
	})
	if pos < len(s.metaIndex) && s.meta[s.metaIndex[pos]].Key == key {
		return s.meta[s.metaIndex[pos]].Value, true
	}
	return "", false
}

func (s *Store) reindexMeta() {
	idx := make([]int, len(s.meta))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return s.meta[idx[a]].Key < s.meta[idx[b]].Key })
	s.metaIndex = idx
}

// Meta returns metadata entries in insertion order.
func (s *Store) Meta() []MetaEntry { return s.meta }
