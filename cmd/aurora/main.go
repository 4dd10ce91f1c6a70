package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	pgDSN      string
	redisAddr  string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aurora",
		Short: "Aurora durable task orchestration engine",
		Long:  "Aurora is a durable, at-least-once task orchestration engine: serve and worker run the ingress and dispatch loops; apikey and dlq manage operator-facing maintenance.",
	}

	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
