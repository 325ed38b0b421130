package images

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/burrow/cache"
	cmdcore "github.com/projecteru2/burrow/cmd/core"
	"github.com/projecteru2/burrow/fetch"
)

// pullConcurrency bounds simultaneous downloads in one pull invocation.
const pullConcurrency = 3

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Pull(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	cch, err := cmdcore.InitCache(conf)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.pull")

	// Downloads run concurrently; the cache lock serializes only the index
	// and blob placement, not the streams.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(pullConcurrency)
	for _, ref := range args {
		eg.Go(func() error {
			_, err := cch.FetchOrDownload(egCtx, fetch.ForRef(ref), ref, cmdcore.PullTracker(ref))
			if err != nil {
				var ie *cache.IntegrityError
				if errors.As(err, &ie) {
					// The blob is published under its computed digest; only
					// the remote's declared digest was wrong.
					logger.Warnf(ctx, "pull %s: %v", ref, ie)
				}
				return fmt.Errorf("pull %s: %w", ref, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	cch, err := cmdcore.InitCache(conf)
	if err != nil {
		return err
	}

	imgs, err := cch.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(imgs) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "REF\tDIGEST\tSIZE\tLAST USED")
	for _, img := range imgs {
		digest := img.Digest.Hex()
		if len(digest) > 19 { //nolint:mnd
			digest = digest[:19]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			img.Ref,
			digest,
			cmdcore.FormatSize(img.Size),
			img.LastUsed.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

// Delete drops index entries. Blobs stay on disk until the next gc run so
// a concurrent pull of the same content never loses its backing file.
func (h Handler) Delete(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	cch, err := cmdcore.InitCache(conf)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.imagerm")

	deleted, err := cch.Delete(ctx, args)
	for _, ref := range deleted {
		logger.Infof(ctx, "deleted: %s", ref)
	}
	if err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	if len(deleted) == 0 {
		logger.Infof(ctx, "no matching images found")
	}
	return nil
}
