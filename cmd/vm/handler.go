package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/fetch"
	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/hypervisor/cloudhypervisor"
	"github.com/projecteru2/burrow/lifecycle"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/network/static"
	"github.com/projecteru2/burrow/utils"
	"github.com/projecteru2/burrow/vm"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initStorage is the shared init for methods that only need the catalog.
func (h Handler) initStorage(cmd *cobra.Command) (context.Context, *config.Config, *vm.Storage, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	storage, err := cmdcore.InitStorage(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, conf, storage, nil
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, conf, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	cfg := vm.DefaultVMConfig()
	if cpu, _ := cmd.Flags().GetInt("cpu"); cpu > 0 {
		cfg.CPUCount = cpu
	}
	if memStr, _ := cmd.Flags().GetString("memory"); memStr != "" {
		mem, err := cmdcore.ParseSize(memStr)
		if err != nil {
			return err
		}
		cfg.MemorySize = mem
	}

	fromImage, _ := cmd.Flags().GetString("from-image")
	imagePath := ""
	if fromImage != "" {
		cch, err := cmdcore.InitCache(conf)
		if err != nil {
			return err
		}
		imagePath, err = cch.FetchOrDownload(ctx, fetch.ForRef(fromImage), fromImage, cmdcore.PullTracker(fromImage))
		if err != nil {
			return fmt.Errorf("fetch image %s: %w", fromImage, err)
		}
	} else {
		sizeStr, _ := cmd.Flags().GetString("disk-size")
		size, err := cmdcore.ParseSize(sizeStr)
		if err != nil {
			return err
		}
		cfg.DiskSize = size
	}

	dir, err := storage.Create(ctx, name, cfg, imagePath)
	if err != nil {
		return fmt.Errorf("create VM %s: %w", name, err)
	}
	logger := log.WithFunc("cmd.create")
	logger.Infof(ctx, "VM created: %s", dir.Name)
	logger.Infof(ctx, "run with: burrow run %s", dir.Name)
	return nil
}

// Run drives one VM session from start to terminal state. It blocks for
// the session's whole lifetime and exits 0 only on a graceful stop.
func (h Handler) Run(cmd *cobra.Command, args []string) error {
	ctx, conf, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}

	dir, err := storage.Open(ctx, args[0])
	if err != nil {
		return err
	}
	// Config is read before the execution lock is taken; acquiring the lock
	// first would invert ordering with catalog publish.
	cfg, err := dir.Config()
	if err != nil {
		return err
	}

	var net network.Network = static.New(cfg)
	if noNet, _ := cmd.Flags().GetBool("no-net"); noNet {
		net = static.None()
	}

	controller := lifecycle.New(dir, cfg, cloudhypervisor.New(conf), net)
	detach := lifecycle.NotifySignals(controller)
	defer detach()

	if err := controller.Run(ctx); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyRunning) {
			return fmt.Errorf("%s is already running", dir.Name)
		}
		return err
	}
	log.WithFunc("cmd.run").Infof(ctx, "VM %s session ended: %s", dir.Name, controller.State())
	return nil
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	return h.signalSession(cmd, args[0], syscall.SIGINT, "stop")
}

// Suspend fails fast when the host hypervisor cannot save state; signaling
// the session would only make it log a refusal and keep running.
func (h Handler) Suspend(cmd *cobra.Command, args []string) error {
	conf, err := h.Conf()
	if err != nil {
		return err
	}
	if !cloudhypervisor.New(conf).Capabilities().Suspend {
		return fmt.Errorf("suspend %s: %w", args[0], hypervisor.ErrUnsupported)
	}
	return h.signalSession(cmd, args[0], syscall.SIGUSR1, "suspend")
}

// signalSession delivers sig to the VM's running session and waits for the
// session to release the execution lock.
func (h Handler) signalSession(cmd *cobra.Command, name string, sig syscall.Signal, op string) error {
	ctx, conf, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}
	dir, err := storage.Open(ctx, name)
	if err != nil {
		return err
	}

	running, err := dir.Running(ctx)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("%s is not running", name)
	}
	pid := dir.SessionPID()
	if pid == 0 {
		return fmt.Errorf("%s has no recorded session pid", name)
	}
	if err := utils.SignalProcess(pid, sig); err != nil {
		return fmt.Errorf("signal session of %s: %w", name, err)
	}

	// The session escalates internally; give it the stop timeout plus slack.
	wait := time.Duration(conf.StopTimeoutSeconds+15) * time.Second
	err = utils.WaitFor(ctx, wait, time.Second, func() (bool, error) {
		running, err := dir.Running(ctx)
		return !running, err
	})
	if err != nil {
		return fmt.Errorf("%s session did not end after %s request: %w", name, op, err)
	}

	state, err := dir.State(ctx)
	if err != nil {
		return err
	}
	log.WithFunc("cmd."+op).Infof(ctx, "VM %s is now %s", name, state)
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, _, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}

	dirs, err := storage.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(dirs) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tCPU\tMEMORY\tDISK")
	for _, dir := range dirs {
		state, err := dir.State(ctx)
		if err != nil {
			return fmt.Errorf("state of %s: %w", dir.Name, err)
		}
		cfg, err := dir.Config()
		if err != nil {
			return fmt.Errorf("config of %s: %w", dir.Name, err)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			dir.Name,
			state,
			cfg.CPUCount,
			cmdcore.FormatSize(cfg.MemorySize),
			cmdcore.FormatSize(cfg.DiskSize),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Get(cmd *cobra.Command, args []string) error {
	ctx, _, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}
	dir, err := storage.Open(ctx, args[0])
	if err != nil {
		return err
	}
	cfg, err := dir.Config()
	if err != nil {
		return err
	}
	state, err := dir.State(ctx)
	if err != nil {
		return err
	}

	out := struct {
		Name  string   `json:"name"`
		State vm.State `json:"state"`
		*vm.Config
	}{Name: dir.Name, State: state, Config: cfg}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (h Handler) Set(cmd *cobra.Command, args []string) error {
	ctx, _, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}
	dir, err := storage.Open(ctx, args[0])
	if err != nil {
		return err
	}

	// Refuse config edits under a live session.
	running, err := dir.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("%s: %w", dir.Name, vm.ErrInUse)
	}

	cfg, err := dir.Config()
	if err != nil {
		return err
	}
	if cpu, _ := cmd.Flags().GetInt("cpu"); cpu > 0 {
		cfg.CPUCount = cpu
	}
	if memStr, _ := cmd.Flags().GetString("memory"); memStr != "" {
		mem, err := cmdcore.ParseSize(memStr)
		if err != nil {
			return err
		}
		cfg.MemorySize = mem
	}
	if displayStr, _ := cmd.Flags().GetString("display"); displayStr != "" {
		display, err := parseDisplay(displayStr)
		if err != nil {
			return err
		}
		cfg.Display = display
	}

	if err := dir.SetConfig(cfg); err != nil {
		return err
	}
	log.WithFunc("cmd.set").Infof(ctx, "VM %s updated", dir.Name)
	return nil
}

func (h Handler) Rename(cmd *cobra.Command, args []string) error {
	ctx, _, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}
	if err := storage.Rename(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	log.WithFunc("cmd.rename").Infof(ctx, "renamed %s → %s", args[0], args[1])
	return nil
}

func (h Handler) Clone(cmd *cobra.Command, args []string) error {
	ctx, _, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}
	dir, err := storage.Clone(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	log.WithFunc("cmd.clone").Infof(ctx, "cloned %s → %s", args[0], dir.Name)
	return nil
}

// Delete removes VMs with best-effort semantics: every name is attempted,
// successes are reported even when later deletions fail.
func (h Handler) Delete(cmd *cobra.Command, args []string) error {
	ctx, _, storage, err := h.initStorage(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.delete")

	var errs []error
	for _, name := range args {
		if err := storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		logger.Infof(ctx, "deleted VM: %s", name)
	}
	return errors.Join(errs...)
}

func parseDisplay(s string) (vm.Display, error) {
	parts := strings.SplitN(s, "x", 2) //nolint:mnd
	if len(parts) != 2 {               //nolint:mnd
		return vm.Display{}, fmt.Errorf("invalid display %q, want WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return vm.Display{}, fmt.Errorf("invalid display width %q", parts[0])
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return vm.Display{}, fmt.Errorf("invalid display height %q", parts[1])
	}
	return vm.Display{Width: width, Height: height}, nil
}
