// Command fieldsync-demo exercises the sync engine end to end: a local
// authority server with a broadcast relay, and a client that queues
// mutations offline, drains them, and resolves conflicts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/offlinekit/fieldsync/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "fieldsync-demo",
		Short: "Offline-first mutation sync demo",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			viper.SetDefault("db", "fieldsync.db")
			viper.SetDefault("server", "http://127.0.0.1:7123")
			viper.SetDefault("listen", "127.0.0.1:7123")
			viper.SetDefault("log.level", "info")
			viper.SetDefault("log.format", "text")

			viper.SetEnvPrefix("FIELDSYNC")
			viper.AutomaticEnv()

			if configFile != "" {
				viper.SetConfigFile(configFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}

			logging.Init(logging.Config{
				Level:  viper.GetString("log.level"),
				Format: viper.GetString("log.format"),
			})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml)")
	root.PersistentFlags().String("db", "fieldsync.db", "client sqlite database path")
	root.PersistentFlags().String("server", "http://127.0.0.1:7123", "authority base URL")
	viper.BindPFlag("db", root.PersistentFlags().Lookup("db"))
	viper.BindPFlag("server", root.PersistentFlags().Lookup("server"))

	root.AddCommand(newServeCmd())
	root.AddCommand(newEnqueueCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newResolveCmd())

	return root
}
