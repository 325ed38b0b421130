package cloudhypervisor

import (
	"runtime"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/vm"
)

type chVMConfig struct {
	// Optional — pointer + omitempty (nil → omitted from JSON).
	Payload *chPayload `json:"payload,omitempty"`

	// Required — value (always present).
	CPUs    chCPUs    `json:"cpus"`
	Memory  chMemory  `json:"memory"`
	Disks   []chDisk  `json:"disks,omitempty"`
	Net     []chNet   `json:"net,omitempty"`
	RNG     chRNG     `json:"rng"`
	Serial  chSerial  `json:"serial"`
	Console chConsole `json:"console"`
}

type chPayload struct {
	Firmware string `json:"firmware,omitempty"`
	Kernel   string `json:"kernel,omitempty"`
	Cmdline  string `json:"cmdline,omitempty"`
}

type chCPUs struct {
	BootVCPUs int `json:"boot_vcpus"`
	MaxVCPUs  int `json:"max_vcpus"`
}

type chMemory struct {
	Size int64 `json:"size"`
}

type chDisk struct {
	Path      string `json:"path"`
	ReadOnly  bool   `json:"readonly,omitempty"`
	Direct    bool   `json:"direct,omitempty"`
	Sparse    bool   `json:"sparse,omitempty"`
	ImageType string `json:"image_type,omitempty"`
	NumQueues int    `json:"num_queues,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
}

type chNet struct {
	Tap string `json:"tap,omitempty"`
	MAC string `json:"mac,omitempty"`
}

type chRNG struct {
	Src string `json:"src"`
}

type chSerial struct {
	Mode string `json:"mode"`
	File string `json:"file,omitempty"`
}

type chConsole struct {
	Mode string `json:"mode"`
}

// buildVMConfig maps a persisted VM config plus its session layout onto the
// cloud-hypervisor vm.create request body. Guests boot via UEFI firmware so
// the same disk works for both platforms.
func buildVMConfig(cfg *vm.Config, layout hypervisor.Layout, firmwarePath, serialLogPath string) *chVMConfig {
	maxVCPUs := runtime.NumCPU()
	if cfg.CPUCount > maxVCPUs {
		maxVCPUs = cfg.CPUCount
	}

	out := &chVMConfig{
		Payload: &chPayload{Firmware: firmwarePath},
		CPUs:    chCPUs{BootVCPUs: cfg.CPUCount, MaxVCPUs: maxVCPUs},
		Memory:  chMemory{Size: cfg.MemorySize},
		Disks: []chDisk{{
			Path:      layout.DiskPath,
			ImageType: "Raw",
			Direct:    true,
			Sparse:    true,
			NumQueues: cfg.CPUCount,
			QueueSize: 256, //nolint:mnd
		}},
		RNG:     chRNG{Src: "/dev/urandom"},
		Serial:  chSerial{Mode: "File", File: serialLogPath},
		Console: chConsole{Mode: "Off"},
	}

	for _, nd := range layout.Nets {
		out.Net = append(out.Net, chNet{Tap: nd.Tap, MAC: nd.MAC})
	}

	return out
}
