package main

import (
	"github.com/spf13/cobra"

	"github.com/katakuxiko/ragchat/internal/config"
)

// configCMD печатает действующую конфигурацию без секретов.
func configCMD() *cobra.Command {
	var cfgPath string
	var show = &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return cfg.Write(cmd.OutOrStdout())
		},
	}
	show.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")
	return show
}
