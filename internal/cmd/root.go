// Package cmd implements the dirigent command-line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/praxislabs/dirigent/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dirigent",
	Short: "Mission orchestration for AI coding agents",
	Long: `Dirigent coordinates AI coding agents through multi-phase missions.

It schedules dependency-ordered tasks, dispatches them through a rate-limited
agent pool, tracks provider quota, collects each task's file changes on a
virtual branch, and merges the branches with conflict resolution once the
mission's work is approved.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.ConfigFile()+")")
}

// initConfig reads in the config file and environment variables.
func initConfig() {
	config.SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("DIRIGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "error reading config %s: %v\n", cfgFile, err)
		}
	}
}
