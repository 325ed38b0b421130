package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

// GC runs the orchestrated collection pass over the cache and the VM
// catalog, then prunes the cache to its size bound when one is set.
func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	cch, err := cmdcore.InitCache(conf)
	if err != nil {
		return err
	}
	storage, err := cmdcore.InitStorage(conf)
	if err != nil {
		return err
	}

	o := gc.New()
	cch.RegisterGC(o)
	storage.RegisterGC(o)
	if err := o.Run(ctx); err != nil {
		return err
	}

	limitStr, _ := cmd.Flags().GetString("prune-to")
	if limitStr == "" {
		limitStr = conf.CacheLimit
	}
	if limitStr != "" {
		limit, err := cmdcore.ParseSize(limitStr)
		if err != nil {
			return err
		}
		if err := cch.Prune(ctx, limit); err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
	}

	log.WithFunc("cmd.gc").Infof(ctx, "GC completed")
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
