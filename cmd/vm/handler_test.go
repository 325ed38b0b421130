package vm

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/hypervisor/cloudhypervisor"
	"github.com/projecteru2/burrow/vm"
)

// Suspend must be refused up front on hosts without save/restore support,
// before any signal reaches the session. On capable hosts the capability
// gate passes and the next check (a running session) rejects instead.
func TestSuspendChecksCapabilityBeforeSignaling(t *testing.T) {
	conf := config.DefaultConfig()
	conf.Home = t.TempDir()
	h := Handler{cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}}

	s, err := vm.NewStorage(conf)
	require.NoError(t, err)
	cfg := vm.DefaultVMConfig()
	cfg.DiskSize = 1 << 10
	_, err = s.Create(context.Background(), "box", cfg, "")
	require.NoError(t, err)

	err = h.Suspend(&cobra.Command{}, []string{"box"})
	require.Error(t, err)
	if cloudhypervisor.New(conf).Capabilities().Suspend {
		assert.NotErrorIs(t, err, hypervisor.ErrUnsupported)
		assert.Contains(t, err.Error(), "not running")
	} else {
		assert.ErrorIs(t, err, hypervisor.ErrUnsupported)
	}
}
