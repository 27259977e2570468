package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/ayalabs/defigw/service/db"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Fprintln(os.Stderr, "schema is up to date")
			return nil
		},
	}
}

func listWalletsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-wallets",
		Usage:   "List all registered wallets",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "family",
				Aliases: []string{"f"},
				Usage:   "Filter by chain family (evm, solana)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallets, err := store.ListWallets(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			// Filter by family if specified
			familyFilter := c.String("family")
			if familyFilter != "" {
				filtered := make([]*db.Wallet, 0)
				for _, w := range wallets {
					if string(w.Family) == familyFilter {
						filtered = append(filtered, w)
					}
				}
				wallets = filtered
			}

			if c.Bool("json") {
				return outputJSON(wallets)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADDRESS\tFAMILY\tLABEL\tCREATED")
			for _, wallet := range wallets {
				label := ""
				if wallet.Label != nil {
					label = *wallet.Label
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					wallet.ID,
					wallet.Address,
					wallet.Family,
					label,
					wallet.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d wallets\n", len(wallets))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List transactions for a wallet",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "wallet-id",
				Aliases: []string{"w"},
				Usage:   "Wallet ID to list transactions for",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.BoolFlag{
				Name:  "open",
				Usage: "List open (non-terminal) transactions across all wallets",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var transactions []*db.Transaction
			limit := int32(c.Int("limit"))

			if c.Bool("open") {
				transactions, err = store.ListOpenTransactions(context.Background(), time.Now(), limit)
				if err != nil {
					return fmt.Errorf("failed to list open transactions: %w", err)
				}
			} else if walletID := c.String("wallet-id"); walletID != "" {
				transactions, err = store.ListTransactionsByWallet(context.Background(), walletID, limit)
				if err != nil {
					return fmt.Errorf("failed to list transactions: %w", err)
				}
			} else {
				return fmt.Errorf("specify --wallet-id or --open")
			}

			if c.Bool("json") {
				return outputJSON(transactions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHAIN\tKIND\tSTATE\tTX HASH\tCREATED")
			for _, tx := range transactions {
				hash := ""
				if tx.TxHash != nil {
					hash = *tx.TxHash
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					tx.ID,
					tx.Chain,
					tx.Kind,
					tx.State,
					hash,
					tx.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(transactions))
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Get transaction details",
		Aliases:   []string{"tx"},
		ArgsUsage: "<tx-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tx, err := store.GetTransaction(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(tx)
			}

			fmt.Printf("ID:             %s\n", tx.ID)
			fmt.Printf("Wallet ID:      %s\n", tx.WalletID)
			fmt.Printf("Chain:          %s\n", tx.Chain)
			fmt.Printf("Kind:           %s\n", tx.Kind)
			fmt.Printf("State:          %s\n", tx.State)
			if tx.TxHash != nil {
				fmt.Printf("Tx Hash:        %s\n", *tx.TxHash)
			}
			if tx.ErrorDetail != nil {
				fmt.Printf("Error:          %s\n", *tx.ErrorDetail)
			}
			fmt.Printf("Check Attempts: %d\n", tx.CheckAttempts)
			if tx.LastCheckedAt != nil {
				fmt.Printf("Last Checked:   %s\n", tx.LastCheckedAt.Format(time.RFC3339))
			}
			if tx.ConfirmedAt != nil {
				fmt.Printf("Confirmed:      %s\n", tx.ConfirmedAt.Format(time.RFC3339))
			}
			fmt.Printf("Created:        %s\n", tx.CreatedAt.Format(time.RFC3339))

			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
