package fetch

import (
	"context"
	"io"
	"strings"
)

// Metadata describes a remote artifact alongside its byte stream.
type Metadata struct {
	// ContentLength is the total stream size, or -1 when unknown.
	ContentLength int64
	// Digest is the remote-declared content digest ("sha256:<hex>"), empty
	// when the source does not advertise one. It is advisory only: the cache
	// always verifies against the digest it computes itself.
	Digest string
	// Name is a human-readable label for the artifact.
	Name string
}

// Fetcher produces a byte stream plus response metadata for a source ref.
// The caller owns closing the returned stream.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, *Metadata, error)
}

// ForRef picks a Fetcher by ref scheme: HTTP(S) URLs stream directly,
// everything else is treated as an OCI registry reference.
func ForRef(ref string) Fetcher {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return NewHTTP()
	}
	return NewOCI()
}
