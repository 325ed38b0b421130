package vm

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
)

// Platform is the guest platform kind a VM was created for.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// Display is the requested guest display geometry.
type Display struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config is the persisted per-VM configuration (config.json).
type Config struct {
	Version    int      `json:"version"`
	CPUCount   int      `json:"cpu_count"`
	MemorySize int64    `json:"memory_size"` // bytes
	MACAddress string   `json:"mac_address"`
	Platform   Platform `json:"platform"`
	Display    Display  `json:"display"`
	DebugPort  int      `json:"debug_port,omitempty"`
	DiskSize   int64    `json:"disk_size"` // bytes, sparse allocation
}

// configVersion is the current config.json schema version.
const configVersion = 1

// DefaultVMConfig returns a Config with defaults for a new Linux VM.
func DefaultVMConfig() *Config {
	return &Config{
		Version:    configVersion,
		CPUCount:   2,
		MemorySize: 2 << 30,
		MACAddress: GenerateMAC(),
		Platform:   PlatformLinux,
		Display:    Display{Width: 1024, Height: 768},
		DiskSize:   20 << 30,
	}
}

// Validate reports malformed or mutually exclusive settings. Called before
// any lock is taken so configuration failures are side-effect free.
func (c *Config) Validate() error {
	if c.CPUCount <= 0 {
		return fmt.Errorf("cpu_count must be positive, got %d", c.CPUCount)
	}
	if c.MemorySize <= 0 {
		return fmt.Errorf("memory_size must be positive, got %d", c.MemorySize)
	}
	if c.DiskSize <= 0 {
		return fmt.Errorf("disk_size must be positive, got %d", c.DiskSize)
	}
	if c.MACAddress == "" {
		return fmt.Errorf("mac_address is empty")
	}
	switch c.Platform {
	case PlatformLinux, PlatformWindows:
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return fmt.Errorf("invalid display geometry %dx%d", c.Display.Width, c.Display.Height)
	}
	return nil
}

// GenerateMAC returns a random locally-administered unicast MAC address.
func GenerateMAC() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	b[0] = (b[0] | 0x02) &^ 0x01 // locally administered, unicast
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // burrow-managed path
	if err != nil {
		return nil, fmt.Errorf("read VM config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse VM config %s: %w", path, err)
	}
	return cfg, nil
}
