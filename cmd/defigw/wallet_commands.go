package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/ayalabs/defigw/client"
)

func walletGenerateCommand() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Generate a new wallet keypair server-side",
		ArgsUsage: "<blockchain>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "label",
				Aliases: []string{"l"},
				Usage:   "Human-readable label for the wallet",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: blockchain (e.g. ethereum, solana)")
			}

			cl := getClient(c)
			var label *string
			if l := c.String("label"); l != "" {
				label = &l
			}

			info, err := cl.GenerateWallet(context.Background(), c.Args().First(), label)
			if err != nil {
				return fmt.Errorf("failed to generate wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Wallet ID: %s\n", info.WalletID)
			fmt.Printf("Address:   %s\n", info.Address)
			fmt.Printf("Family:    %s\n", info.Family)
			return nil
		},
	}
}

func walletImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import an existing private key",
		ArgsUsage: "<blockchain>",
		Description: `Import a private key and register its wallet with the gateway.

The key is read from stdin so it never appears in shell history or process
listings:

  cat key.txt | defigw wallet import ethereum --label treasury`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "label",
				Aliases: []string{"l"},
				Usage:   "Human-readable label for the wallet",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: blockchain (e.g. ethereum, solana)")
			}

			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read private key from stdin: %w", err)
			}
			privateKey := strings.TrimSpace(string(raw))
			if privateKey == "" {
				return fmt.Errorf("no private key on stdin")
			}

			cl := getClient(c)
			var label *string
			if l := c.String("label"); l != "" {
				label = &l
			}

			info, err := cl.ImportWallet(context.Background(), c.Args().First(), privateKey, label)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Wallet ID: %s\n", info.WalletID)
			fmt.Printf("Address:   %s\n", info.Address)
			fmt.Printf("Family:    %s\n", info.Family)
			return nil
		},
	}
}

func walletDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a wallet and its sealed key",
		ArgsUsage: "<blockchain> <address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires two arguments: blockchain and wallet address")
			}

			cl := getClient(c)
			if err := cl.DeleteWallet(context.Background(), c.Args().Get(0), c.Args().Get(1)); err != nil {
				return fmt.Errorf("failed to delete wallet: %w", err)
			}

			fmt.Fprintf(os.Stderr, "wallet %s deleted\n", c.Args().Get(1))
			return nil
		},
	}
}

func walletPortfolioCommand() *cli.Command {
	return &cli.Command{
		Name:      "portfolio",
		Usage:     "Show a wallet's aggregated portfolio",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "blockchain",
				Aliases: []string{"c"},
				Usage:   "Restrict to one chain (default: all configured chains)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}

			cl := getClient(c)
			snapshot, err := cl.Portfolio(context.Background(), c.Args().First(), c.String("blockchain"))
			if err != nil {
				return fmt.Errorf("failed to fetch portfolio: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(snapshot)
			}

			fmt.Printf("Wallet:    %s\n", snapshot.Wallet)
			fmt.Printf("Total USD: %s\n", snapshot.TotalUSD)
			if snapshot.PricingError != "" {
				fmt.Printf("Pricing:   degraded (%s)\n", snapshot.PricingError)
			}
			for _, section := range snapshot.Chains {
				fmt.Printf("\n[%s]\n", section.Chain)
				if section.Error != "" {
					fmt.Printf("  error: %s\n", section.Error)
					continue
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				for _, b := range section.Balances {
					fmt.Fprintf(w, "  %s\t%s\n", b.Symbol, b.Amount)
				}
				for _, p := range section.Positions {
					fmt.Fprintf(w, "  %s/%s\t%s %s\n", p.Protocol, p.Kind, p.Principal, p.Asset)
				}
				w.Flush()
			}
			return nil
		},
	}
}

func walletPositionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "positions",
		Usage:     "Show a wallet's protocol positions on one chain",
		ArgsUsage: "<blockchain> <address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires two arguments: blockchain and wallet address")
			}

			cl := getClient(c)
			set, err := cl.Positions(context.Background(), c.Args().Get(1), c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("failed to fetch positions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(set)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROTOCOL\tKIND\tASSET\tPRINCIPAL\tYIELD\tAPY")
			for _, p := range set.Positions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f%%\n",
					p.Protocol, p.Kind, p.Asset, p.Principal, p.AccruedYield, p.APY)
			}
			w.Flush()

			for proto, msg := range set.Errors {
				fmt.Fprintf(os.Stderr, "warning: %s: %s\n", proto, msg)
			}
			return nil
		},
	}
}

// getClient builds a gateway API client from global flags.
func getClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.New(c.String("server-url"), c.String("api-key"), nil, logger)
}
