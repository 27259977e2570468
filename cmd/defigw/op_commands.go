package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/ayalabs/defigw/client"
	"github.com/ayalabs/defigw/service/events"
)

func swapCommand() *cli.Command {
	return &cli.Command{
		Name:      "swap",
		Usage:     "Submit a token swap",
		ArgsUsage: "<blockchain> <wallet-address>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Usage: "Asset to sell (symbol)", Required: true},
			&cli.StringFlag{Name: "out", Usage: "Asset to buy (symbol)", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "Amount of the input asset", Required: true},
			&cli.Float64Flag{Name: "max-slippage", Usage: "Maximum slippage percent (0 uses the server default)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires two arguments: blockchain and wallet address")
			}

			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}

			cl := getClient(c)
			result, err := cl.Swap(context.Background(), client.SwapParams{
				WalletAddress: c.Args().Get(1),
				Blockchain:    c.Args().Get(0),
				AssetIn:       c.String("in"),
				AssetOut:      c.String("out"),
				Amount:        amount,
				MaxSlippage:   c.Float64("max-slippage"),
			})
			if err != nil {
				return fmt.Errorf("swap failed: %w", err)
			}

			return printOperationResult(c, result)
		},
	}
}

func lendCommand() *cli.Command {
	return &cli.Command{
		Name:      "lend",
		Usage:     "Submit a lending deposit or withdrawal",
		ArgsUsage: "<blockchain> <wallet-address>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "protocol", Usage: "Lending protocol name", Required: true},
			&cli.StringFlag{Name: "asset", Usage: "Asset symbol", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "Amount of the asset", Required: true},
			&cli.StringFlag{Name: "action", Usage: "deposit or withdraw", Value: "deposit"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires two arguments: blockchain and wallet address")
			}

			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}

			cl := getClient(c)
			result, err := cl.Lend(context.Background(), client.LendParams{
				WalletAddress: c.Args().Get(1),
				Blockchain:    c.Args().Get(0),
				Protocol:      c.String("protocol"),
				Asset:         c.String("asset"),
				Amount:        amount,
				Action:        c.String("action"),
			})
			if err != nil {
				return fmt.Errorf("lend failed: %w", err)
			}

			return printOperationResult(c, result)
		},
	}
}

func farmCommand() *cli.Command {
	return &cli.Command{
		Name:      "farm",
		Usage:     "Add or remove pool liquidity",
		ArgsUsage: "<blockchain> <wallet-address>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "protocol", Usage: "Farming protocol name", Required: true},
			&cli.StringFlag{Name: "pool", Usage: "Pool identifier", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "Amount of liquidity", Required: true},
			&cli.StringFlag{Name: "action", Usage: "add or remove", Value: "add"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires two arguments: blockchain and wallet address")
			}

			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}

			cl := getClient(c)
			result, err := cl.Farm(context.Background(), client.FarmParams{
				WalletAddress: c.Args().Get(1),
				Blockchain:    c.Args().Get(0),
				Protocol:      c.String("protocol"),
				Pool:          c.String("pool"),
				Amount:        amount,
				Action:        c.String("action"),
			})
			if err != nil {
				return fmt.Errorf("farm failed: %w", err)
			}

			return printOperationResult(c, result)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the lifecycle state of a submitted operation",
		ArgsUsage: "<tx-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}

			cl := getClient(c)
			status, err := cl.TransactionStatus(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to fetch status: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(status)
			}

			fmt.Printf("Tx ID:  %s\n", status.TxID)
			fmt.Printf("Chain:  %s\n", status.Chain)
			fmt.Printf("Kind:   %s\n", status.Kind)
			fmt.Printf("State:  %s\n", status.State)
			if status.TxHash != "" {
				fmt.Printf("Hash:   %s\n", status.TxHash)
			}
			if status.Confirmations != nil {
				fmt.Printf("Confirmations: %d\n", *status.Confirmations)
			}
			if status.Finalized != nil {
				fmt.Printf("Finalized:     %v\n", *status.Finalized)
			}
			if status.Error != "" {
				fmt.Printf("Error:  %s\n", status.Error)
			}
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a transaction reaches a terminal state",
		ArgsUsage: "<tx-id>",
		Description: `Subscribe to the state-change stream and wait for the transaction to
reach a terminal state (confirmed or failed).

Optional jq filters run against each event; when filters are given, the
command completes on the first event for which all filters are truthy
instead of waiting for a terminal state.

Example:
  defigw op await 7f3c... --timeout 10m
  defigw op await 7f3c... --jq '.to_state == "confirmed"'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}

			txID := c.Args().First()
			jsonOutput := c.Bool("json")

			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			// The subject embeds the chain, which we don't know here; wildcard it.
			subject := fmt.Sprintf("txstate.*.%s", txID)
			cons, err := js.CreateOrUpdateConsumer(ctx, events.StreamName, jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverAllPolicy,
			})
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Waiting for %s... (timeout %s)\n", txID, c.Duration("timeout"))
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer consumeCtx.Stop()

			for {
				select {
				case msg := <-msgChan:
					var event events.StateChangeEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "error parsing event: %v\n", err)
						msg.Ack()
						continue
					}
					msg.Ack()

					done, err := eventMatches(msg.Data(), &event, filters)
					if err != nil {
						return err
					}
					if !done {
						continue
					}

					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Println(string(data))
					} else {
						fmt.Printf("Tx %s: %s -> %s\n", event.TxID, event.FromState, event.ToState)
						if event.Reason != "" {
							fmt.Printf("Reason: %s\n", event.Reason)
						}
					}
					return nil

				case <-ctx.Done():
					return fmt.Errorf("timed out waiting for %s", txID)
				}
			}
		},
	}
}

// eventMatches decides whether an event completes an await. With no filters,
// only a terminal state completes; with filters, all must be truthy.
func eventMatches(raw []byte, event *events.StateChangeEvent, filters []*gojq.Code) (bool, error) {
	if len(filters) == 0 {
		return event.ToState.Terminal(), nil
	}

	// gojq operates on generic JSON values, not structs.
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("failed to decode event for filtering: %w", err)
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if _, isErr := v.(error); isErr {
			return false, nil
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func compileJQFilters(exprs []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return compiled, nil
}

// isTruthy checks if a jq result value is truthy.
func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

func printOperationResult(c *cli.Context, result *client.OperationResult) error {
	if c.Bool("json") {
		return outputJSON(result)
	}
	fmt.Printf("Tx ID:   %s\n", result.TxID)
	fmt.Printf("Tx Hash: %s\n", result.TxHash)
	fmt.Printf("State:   %s\n", result.State)
	fmt.Fprintf(os.Stderr, "\ntrack with: defigw op await %s\n", result.TxID)
	return nil
}
