package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcules/vidi-runtime/internal/config"
	"github.com/mcules/vidi-runtime/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	config string
	remote string
}

// cfg is loaded once before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "vidictl",
	Short: "Run vision tool streams locally or against a vidi server",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(rootFlags.config)
		if err != nil {
			return err
		}
		logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr())
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.config, "config", os.Getenv("VIDI_CONFIG"), "YAML config file")
	f.StringVar(&rootFlags.remote, "remote", "", "server address (tcp://host:port); empty runs in-process")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
