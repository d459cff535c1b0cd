package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcheckpoint "github.com/99oblivius/vmgr/cmd/checkpoint"
	cmdcore "github.com/99oblivius/vmgr/cmd/core"
	cmdothers "github.com/99oblivius/vmgr/cmd/others"
	cmdvm "github.com/99oblivius/vmgr/cmd/vm"
	"github.com/99oblivius/vmgr/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vmgr",
		Short: "vmgr - libvirt VM manager with disk checkpoints",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "base directory for VM disk images")
	cmd.PersistentFlags().String("libvirt-socket", "", "libvirt daemon unix socket")
	cmd.PersistentFlags().String("qemu-img", "", "qemu-img binary used for disk introspection")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("libvirt_socket", cmd.PersistentFlags().Lookup("libvirt-socket"))
	_ = viper.BindPFlag("qemu_img", cmd.PersistentFlags().Lookup("qemu-img"))

	viper.SetEnvPrefix("VMGR")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }

	cmd.AddCommand(cmdvm.Command(cmdvm.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}))
	cmd.AddCommand(cmdcheckpoint.Command(cmdcheckpoint.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	var err error
	if conf, err = config.LoadConfig(cfgFile); err != nil {
		return err
	}

	// Register the loaded values as viper defaults so that Unmarshal only
	// overrides them with flags that were actually set (or env vars); an
	// unset flag's empty string must not win over the config file.
	viper.SetDefault("root_dir", conf.RootDir)
	viper.SetDefault("libvirt_socket", conf.LibvirtSocket)
	viper.SetDefault("qemu_img", conf.QemuImgBinary)
	viper.SetDefault("pool_size", conf.PoolSize)

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
