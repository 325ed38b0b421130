package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/burrow/cache"
	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/vm"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitStorage opens the VM catalog.
func InitStorage(conf *config.Config) (*vm.Storage, error) {
	s, err := vm.NewStorage(conf)
	if err != nil {
		return nil, fmt.Errorf("init VM storage: %w", err)
	}
	return s, nil
}

// InitCache opens the image cache.
func InitCache(conf *config.Config) (*cache.Cache, error) {
	c, err := cache.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init image cache: %w", err)
	}
	return c, nil
}

// ParseSize parses a human-readable size like "20GB" into bytes.
func ParseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
