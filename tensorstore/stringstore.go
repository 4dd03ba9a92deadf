package tensorstore

// StringInterner implements the "string store" of spec.md §3: a name is
// interned once into a stable integer id, so the rest of the engine
// (graph ops, tensor entries) carries a cheap comparable key instead of
// repeating the string. Grounded on original_source's ids.h /
// ccommon/stringstore.h bidirectional map.
type StringInterner struct {
	byString map[string]int
	byID     []string
}

func NewStringInterner() *StringInterner {
	// id 0 is reserved for "no name" so the zero value of an int id means
	// "unset", matching ids.h's ID_NULL=0 convention.
	return &StringInterner{byString: map[string]int{"": 0}, byID: []string{""}}
}

// Intern returns s's id, assigning a new one on first sight.
func (si *StringInterner) Intern(s string) int {
	if id, ok := si.byString[s]; ok {
		return id
	}
	id := len(si.byID)
	si.byID = append(si.byID, s)
	si.byString[s] = id
	return id
}

// Lookup returns s's id without creating one.
func (si *StringInterner) Lookup(s string) (int, bool) {
	id, ok := si.byString[s]
	return id, ok
}

// String returns the name for an id, or "" if out of range.
func (si *StringInterner) String(id int) string {
	if id < 0 || id >= len(si.byID) {
		return ""
	}
	return si.byID[id]
}
