package engine

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// keyDigestLen is the number of hex characters kept from the digest.
const keyDigestLen = 32

// DeriveIdempotencyKey derives a stable, filesystem-safe key for a resource from
// its kind, display name and the key of its parent (empty for roots).
func DeriveIdempotencyKey(kind Kind, displayName, parentKey string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(parentKey))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(displayName))
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s-%s", kind, sum[:keyDigestLen])
}

// AssignIdempotencyKeys fills IdempotencyKey on every resource in graph order so
// that a child's key covers its whole ancestry. Keys already set are kept.
func AssignIdempotencyKeys(resources []ResourceSpec, graph *ResourceGraph) {
	index := make(map[string]*ResourceSpec, len(resources))
	for i := range resources {
		index[resources[i].ID] = &resources[i]
	}

	for _, id := range graph.Order() {
		spec := index[id]
		if spec.IdempotencyKey != "" {
			continue
		}
		parentKey := ""
		if spec.ParentRef != "" {
			parentKey = index[spec.ParentRef].IdempotencyKey
		}
		spec.IdempotencyKey = DeriveIdempotencyKey(spec.Kind, spec.DisplayName, parentKey)
	}
}
