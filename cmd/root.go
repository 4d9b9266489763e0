// Package cmd contains the diskexplorer command line and the HTTP daemon.
package cmd

import (
	"fmt"

	"github.com/mordilloSan/go_logger/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mordilloSan/diskexplorer/config"
	"github.com/mordilloSan/diskexplorer/internal/version"
)

var (
	v          = viper.New()
	configFile string

	rootCmd = &cobra.Command{
		Use:           "diskexplorer",
		Short:         "Scan folders, analyse their content and manage files over HTTP",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config.{yaml,yml,json,toml})")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	_ = v.BindPFlag("log.verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(serveCmd, scanCmd, versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration and initialises logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	logger.Init("production", cfg.Log.Verbose)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Infof("Config loaded from %s", used)
	} else {
		logger.Debugf("No config file; using defaults and %s_* environment", config.EnvPrefix)
	}
	return cfg, nil
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
