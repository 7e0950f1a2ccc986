package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/delivery-dispatch/internal/config"
)

var (
	cfgPath string
	migrate bool
)

var rootCmd = &cobra.Command{
	Use:   "dispatch-server",
	Short: "Order dispatch and real-time sync engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("migrate") {
			cfg.Postgres.RunMigrations = migrate
		}
		return run(cmd.Context(), cfg)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML or JSON config file")
	rootCmd.Flags().BoolVar(&migrate, "migrate", false, "apply SQL migrations before serving")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
