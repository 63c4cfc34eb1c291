package diff

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
)

// NormalizeString lowercases, trims, strips punctuation, and collapses runs
// of whitespace, so cosmetic edits ("  MacBook  Pro 14!  " vs
// "macbook pro 14") compare equal.
func NormalizeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsPunct(r):
			// dropped
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(NormalizeString(s)) {
		set[tok] = struct{}{}
	}
	return set
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asSequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// valuesEqual compares two tracked-field values under normalization:
// strings after NormalizeString, numbers exactly, sequences element-wise,
// mappings (and anything else) by canonical JSON.
func valuesEqual(oldVal, newVal any) bool {
	if oldVal == nil || newVal == nil {
		return oldVal == nil && newVal == nil
	}
	if os, ok := asString(oldVal); ok {
		if ns, ok := asString(newVal); ok {
			return NormalizeString(os) == NormalizeString(ns)
		}
	}
	if on, ok := asNumber(oldVal); ok {
		if nn, ok := asNumber(newVal); ok {
			return on == nn
		}
	}
	if oseq, ok := asSequence(oldVal); ok {
		if nseq, ok := asSequence(newVal); ok {
			if len(oseq) != len(nseq) {
				return false
			}
			for i := range oseq {
				if !valuesEqual(oseq[i], nseq[i]) {
					return false
				}
			}
			return true
		}
	}
	oj, oerr := json.Marshal(oldVal)
	nj, nerr := json.Marshal(newVal)
	if oerr != nil || nerr != nil {
		return false
	}
	return bytes.Equal(oj, nj)
}
