// Package static provides host networking that needs no per-session setup:
// the hypervisor's own backend carries the traffic, so Run only has to
// signal readiness and park until the session ends.
package static

import (
	"context"

	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/vm"
)

// Provider implements network.Network with a single shared attachment
// derived from the VM's configured MAC address.
type Provider struct {
	attachments []network.Attachment
}

// New creates a Provider for one VM.
func New(cfg *vm.Config) *Provider {
	return &Provider{
		attachments: []network.Attachment{{
			Kind: network.KindShared,
			MAC:  cfg.MACAddress,
		}},
	}
}

// None returns a Provider with no attachments, for sessions that run
// without guest networking.
func None() *Provider {
	return &Provider{}
}

func (p *Provider) Attachments() []network.Attachment { return p.attachments }

// Run signals ready immediately and blocks until cancellation. Returning
// ctx.Err() here would surface ordinary session teardown as a failure, so
// cancellation maps to nil.
func (p *Provider) Run(ctx context.Context, ready chan<- struct{}) error {
	close(ready)
	<-ctx.Done()
	return nil
}

func (p *Provider) Stop(context.Context) error { return nil }
