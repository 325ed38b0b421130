package fetch

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// OCI fetches disk-image artifacts published to an OCI registry.
// The artifact convention is a single-image manifest whose largest layer is
// the disk image; the layer digest doubles as the remote-declared digest.
type OCI struct{}

// NewOCI creates an OCI registry Fetcher using the default keychain.
func NewOCI() *OCI { return &OCI{} }

// Fetch resolves ref, selects the disk-image layer, and returns its
// compressed stream. Auth follows the ambient docker credential config.
func (o *OCI) Fetch(ctx context.Context, ref string) (io.ReadCloser, *Metadata, error) {
	parsedRef, err := name.ParseReference(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	img, err := remote.Image(parsedRef,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithContext(ctx),
		remote.WithPlatform(v1.Platform{Architecture: runtime.GOARCH, OS: runtime.GOOS}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch image %s: %w", parsedRef.String(), err)
	}

	layer, err := diskLayer(img)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve disk layer of %s: %w", parsedRef.String(), err)
	}

	digest, err := layer.Digest()
	if err != nil {
		return nil, nil, fmt.Errorf("layer digest: %w", err)
	}
	size, err := layer.Size()
	if err != nil {
		size = -1
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, nil, fmt.Errorf("open layer stream: %w", err)
	}

	return rc, &Metadata{
		ContentLength: size,
		Digest:        digest.String(),
		Name:          parsedRef.String(),
	}, nil
}

// diskLayer picks the largest layer of the manifest. Disk-image artifacts
// carry one payload layer; annotation-only layers are tiny by comparison.
func diskLayer(img v1.Image) (v1.Layer, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("manifest has no layers")
	}
	best := layers[0]
	var bestSize int64
	if bestSize, err = best.Size(); err != nil {
		return nil, err
	}
	for _, l := range layers[1:] {
		size, err := l.Size()
		if err != nil {
			return nil, err
		}
		if size > bestSize {
			best, bestSize = l, size
		}
	}
	return best, nil
}
