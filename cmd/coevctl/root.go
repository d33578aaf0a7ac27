package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coevctl",
		Short: "Operate a coev-based gateway and its connection pools",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./coevctl.yaml)")
	root.PersistentFlags().Bool("debug", false, "enable coev scheduler debug tracing")
	cobra.OnInitialize(func() { initConfig(root) })

	root.AddCommand(newServeCmd())
	root.AddCommand(newPoolProbeCmd())
	root.AddCommand(newStatsCmd())
	return root
}

func initConfig(root *cobra.Command) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("coevctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("COEVCTL")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // absence of a config file is not fatal; flags/env still apply
	_ = viper.BindPFlags(root.PersistentFlags())
}
