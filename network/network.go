package network

import "context"

// Kind is the attachment flavor a provider hands to the hypervisor.
type Kind string

const (
	// KindShared is host NAT networking.
	KindShared Kind = "shared"
	// KindBridged attaches the guest to a host interface.
	KindBridged Kind = "bridged"
)

// Attachment is one guest network interface to be wired into the machine.
type Attachment struct {
	Kind Kind
	MAC  string
	// Device is the host-side device (tap name, bridge interface). May be
	// empty when the hypervisor picks its own backend.
	Device string
}

// Network provides guest connectivity for the duration of one VM session.
// Run blocks until ctx is cancelled or the provider fails; it closes ready
// once attachments are usable. Stop tears host-side state down.
type Network interface {
	Attachments() []Attachment
	Run(ctx context.Context, ready chan<- struct{}) error
	Stop(ctx context.Context) error
}
