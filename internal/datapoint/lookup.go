package datapoint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Table maps wire values to tokens. Reads match exactly; writes resolve the
// token case-insensitively.
type Table struct {
	name    string
	forward map[uint64]string
	reverse map[string]uint64
	keys    []uint64
}

// NewTable builds a table from hex-keyed entries such as {"02": "Normalbetrieb"}.
func NewTable(name string, entries map[string]string) (*Table, error) {
	t := &Table{
		name:    name,
		forward: make(map[uint64]string, len(entries)),
		reverse: make(map[string]uint64, len(entries)),
	}
	for k, token := range entries {
		v, err := strconv.ParseUint(strings.TrimSpace(k), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: key %q: %w", name, k, err)
		}
		t.forward[v] = token
		t.keys = append(t.keys, v)
	}
	sort.Slice(t.keys, func(i, j int) bool { return t.keys[i] < t.keys[j] })
	// First key wins when tokens repeat.
	for i := len(t.keys) - 1; i >= 0; i-- {
		t.reverse[strings.ToLower(t.forward[t.keys[i]])] = t.keys[i]
	}
	return t, nil
}

func (t *Table) Name() string { return t.name }

// Token returns the token for v.
func (t *Table) Token(v uint64) (string, bool) {
	s, ok := t.forward[v]
	return s, ok
}

// Value resolves a token, ignoring case.
func (t *Table) Value(token string) (uint64, bool) {
	v, ok := t.reverse[strings.ToLower(strings.TrimSpace(token))]
	return v, ok
}

// Tokens lists the tokens ordered by wire value.
func (t *Table) Tokens() []string {
	out := make([]string, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, t.forward[k])
	}
	return out
}
