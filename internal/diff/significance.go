package diff

import "math"

// Weights for field changes that don't fit the price or title formulas
// (additions, removals, type mismatches, untyped fields).
const (
	conditionWeight = 0.3
	locationWeight  = 0.2
	defaultWeight   = 0.1
)

// FieldSignificance scores one field change in [0,1]:
//
//   - price, both values numeric: min(|new−old| / |old|, 1); a price
//     appearing from 0 scores 1.
//   - title, both values strings: 1 − Jaccard similarity over whitespace
//     tokens of the normalized strings.
//   - otherwise by field: condition 0.3, location 0.2, anything else 0.1.
func FieldSignificance(field string, oldVal, newVal any) float64 {
	switch field {
	case "price":
		if o, ok := asNumber(oldVal); ok {
			if n, ok := asNumber(newVal); ok {
				if o == 0 {
					return 1
				}
				return math.Min(math.Abs(n-o)/math.Abs(o), 1)
			}
		}
	case "title":
		if o, ok := asString(oldVal); ok {
			if n, ok := asString(newVal); ok {
				return 1 - jaccard(tokenSet(o), tokenSet(n))
			}
		}
	}

	switch field {
	case "condition":
		return conditionWeight
	case "location":
		return locationWeight
	}
	return defaultWeight
}

// jaccard returns |a ∩ b| / |a ∪ b|; two empty sets are identical (1).
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
