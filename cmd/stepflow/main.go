// Command stepflow runs the workflow orchestration service: embedded
// migrations, the execution engine, the scheduler loops, and the HTTP
// surface.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Durable workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to config file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	return root
}

func initConfig(cmd *cobra.Command) error {
	viper.SetDefault("database.url", "file:stepflow.db")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("worker.batch-size", 10)
	viper.SetDefault("worker.poll-interval-ms", 1000)
	viper.SetDefault("worker.wake-interval-ms", 10000)
	viper.SetDefault("worker.reap-interval-ms", 300000)
	viper.SetDefault("worker.stuck-step-timeout-minutes", 30)
	viper.SetDefault("idempotency.ttl-hours", 24)
	viper.SetDefault("idempotency.dynamo-table", "")

	viper.SetEnvPrefix("STEPFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
