package cloudhypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/burrow/hypervisor"
)

// REST wrappers around the cloud-hypervisor API socket. All endpoints are
// PUT and reply 204 on success; the client layer handles retry/backoff.

func createVM(ctx context.Context, c *hypervisor.APIClient, cfg *chVMConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal vm config: %w", err)
	}
	return c.Put(ctx, "/api/v1/vm.create", body)
}

func bootVM(ctx context.Context, c *hypervisor.APIClient) error {
	return c.Put(ctx, "/api/v1/vm.boot", nil)
}

func pauseVM(ctx context.Context, c *hypervisor.APIClient) error {
	return c.Put(ctx, "/api/v1/vm.pause", nil)
}

func resumeVM(ctx context.Context, c *hypervisor.APIClient) error {
	return c.Put(ctx, "/api/v1/vm.resume", nil)
}

// shutdownVM asks cloud-hypervisor to tear the guest down and flush disk
// backends. Used as the escalation step after an ignored power button.
func shutdownVM(ctx context.Context, c *hypervisor.APIClient) error {
	return c.Put(ctx, "/api/v1/vm.shutdown", nil)
}

// powerButton sends an ACPI power-button event to the guest.
func powerButton(ctx context.Context, c *hypervisor.APIClient) error {
	return c.Put(ctx, "/api/v1/vm.power-button", nil)
}

func snapshotVM(ctx context.Context, c *hypervisor.APIClient, destURL string) error {
	body, err := json.Marshal(map[string]string{"destination_url": destURL})
	if err != nil {
		return fmt.Errorf("marshal snapshot request: %w", err)
	}
	return c.Put(ctx, "/api/v1/vm.snapshot", body)
}

func restoreVM(ctx context.Context, c *hypervisor.APIClient, srcURL string) error {
	body, err := json.Marshal(map[string]string{"source_url": srcURL})
	if err != nil {
		return fmt.Errorf("marshal restore request: %w", err)
	}
	return c.Put(ctx, "/api/v1/vm.restore", body)
}

// isAlreadyCreated / isAlreadyBooted make create/boot idempotent against a
// repeated Start on the same process.
func isAlreadyCreated(err error) bool { return apiErrContains(err, "alreadycreated") }

func isAlreadyBooted(err error) bool { return apiErrContains(err, "alreadybooted") }

func apiErrContains(err error, needle string) bool {
	var ae *hypervisor.APIError
	if !errors.As(err, &ae) {
		return false
	}
	return strings.Contains(strings.ToLower(ae.Message), needle)
}
