package cache

import "time"

// index is the top-level structure of the cache index.json file.
type index struct {
	Images map[string]*entry `json:"images"`
}

// Init implements storage.Initer. Called automatically by Store after loading.
func (idx *index) Init() {
	if idx.Images == nil {
		idx.Images = make(map[string]*entry)
	}
}

// Lookup finds an entry by source ref or content digest.
// Returns the ref key, entry, and whether it was found.
func (idx *index) Lookup(id string) (string, *entry, bool) {
	// Exact ref match.
	if e, ok := idx.Images[id]; ok {
		return id, e, true
	}
	// Search by content digest.
	for ref, e := range idx.Images {
		if e.ContentSum.String() == id || e.ContentSum.Hex() == id {
			return ref, e, true
		}
	}
	return "", nil, false
}

// referencedDigests returns all content digest hex strings referenced by
// any index entry.
func (idx *index) referencedDigests() map[string]struct{} {
	refs := make(map[string]struct{}, len(idx.Images))
	for _, e := range idx.Images {
		refs[e.ContentSum.Hex()] = struct{}{}
	}
	return refs
}

// entry records one cached image.
type entry struct {
	Ref        string    `json:"ref"`         // Source URL or OCI reference.
	ContentSum Digest    `json:"content_sum"` // SHA-256 of downloaded content.
	Size       int64     `json:"size"`        // Blob size on disk.
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
}
