package schedule

import (
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/driftwatch/driftwatch/internal/model"
)

// pageSignature hashes a page's listing-ID set, order-independent. The
// scheduler compares the first page's signature across polls: an unchanged
// set is the fast-path signal that nothing moved and the full walk can be
// skipped. Exact set equality only — prefix or fuzzy matching would let
// reordered results mask real changes.
func pageSignature(listings []model.RawListing) uint64 {
	ids := make([]string, 0, len(listings))
	for i := range listings {
		if listings[i].ID != "" {
			ids = append(ids, listings[i].ID)
		}
	}
	sort.Strings(ids)

	h := xxh3.New()
	for _, id := range ids {
		_, _ = h.WriteString(id)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
