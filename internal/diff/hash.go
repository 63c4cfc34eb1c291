package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FieldHash computes the hex SHA-256 digest of a listing's tracked-field
// subset. Every tracked field name appears as a key, null when the listing
// lacks it, so two listings hash equal exactly when their tracked values
// match. Go's encoding/json sorts map keys at all nesting levels, so the
// digest is deterministic without manual sorting.
func FieldHash(tracked map[string]any, fields []string) string {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := tracked[f]; ok {
			m[f] = v
		} else {
			m[f] = nil
		}
	}

	canonical, err := json.Marshal(m)
	if err != nil {
		// Tracked values originate from decoded JSON; a marshal failure
		// means a fetcher handed us something exotic. Hash its print form
		// rather than dropping the field set.
		canonical = []byte(fmt.Sprintf("%v", m))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
