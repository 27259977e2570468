package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "defigw",
		Usage: "Multi-chain DeFi operation gateway CLI",
		Description: `A command-line tool for operating and debugging the gateway.

Use this CLI to submit operations, manage wallets, inspect database state,
stream transaction state-change events, and manage Temporal schedules.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Before: func(c *cli.Context) error {
			// A missing env file is fine; flags and the environment still apply.
			if envFile := c.String("env-file"); envFile != "" {
				_ = godotenv.Load(envFile)
			}
			return nil
		},
		Commands: []*cli.Command{
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listWalletsCommand(),
					listTransactionsCommand(),
					getTransactionCommand(),
				},
			},
			// Wallet management (HTTP API)
			{
				Name:  "wallet",
				Usage: "Wallet management commands",
				Subcommands: []*cli.Command{
					walletGenerateCommand(),
					walletImportCommand(),
					walletDeleteCommand(),
					walletPortfolioCommand(),
					walletPositionsCommand(),
				},
			},
			// Operation submission and tracking (HTTP API)
			{
				Name:  "op",
				Usage: "Submit and track DeFi operations",
				Subcommands: []*cli.Command{
					swapCommand(),
					lendCommand(),
					farmCommand(),
					statusCommand(),
					awaitCommand(),
				},
			},
			// NATS event streaming commands
			{
				Name:  "events",
				Usage: "Transaction state-change event streaming",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Temporal inspection and management commands
			{
				Name:  "temporal",
				Usage: "Temporal inspection and management commands",
				Subcommands: []*cli.Command{
					listSchedulesCommand(),
					describeScheduleCommand(),
					pauseScheduleCommand(),
					resumeScheduleCommand(),
					deleteScheduleCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file before running",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Gateway server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key for gateway requests",
				EnvVars: []string{"DEFIGW_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
