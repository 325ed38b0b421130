package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	cmdimages "github.com/projecteru2/burrow/cmd/images"
	cmdothers "github.com/projecteru2/burrow/cmd/others"
	cmdvm "github.com/projecteru2/burrow/cmd/vm"
	"github.com/projecteru2/burrow/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "burrow",
		Short: "Burrow - local VM manager",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("home", "", "base data directory")
	cmd.PersistentFlags().String("ch-binary", "", "cloud-hypervisor binary path")

	_ = viper.BindPFlag("home", cmd.PersistentFlags().Lookup("home"))
	_ = viper.BindPFlag("ch_binary", cmd.PersistentFlags().Lookup("ch-binary"))

	viper.SetEnvPrefix("BURROW")
	viper.AutomaticEnv()

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	for _, c := range cmdvm.Commands(cmdvm.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	cmd.AddCommand(cmdimages.Command(cmdimages.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 30 //nolint:mnd
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Execute is the main entry point called from main.go.
// The root context carries no signal wiring: the run command installs its
// own signal coordinator so SIGINT/SIGUSR1 become lifecycle transitions.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
