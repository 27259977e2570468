package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	"github.com/ayalabs/defigw/service/events"
)

// subscribeCommand streams transaction state-change events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to transaction state-change events",
		ArgsUsage: "[chain]",
		Description: `Subscribe to state-change events published to NATS JetStream.

Events are published to txstate.{chain}.{tx_id}. Without an argument the
subscription covers every chain.

Example:
  defigw events subscribe ethereum --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "defigw-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := "txstate.>"
			if c.NArg() == 1 {
				subject = fmt.Sprintf("txstate.%s.>", c.Args().First())
			}

			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			nc, err := nats.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			if !jsonOutput {
				fmt.Printf("Subscribing to: %s\n", subject)
				fmt.Printf("NATS: %s\n", natsURL)
				fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			cons, err := js.CreateOrUpdateConsumer(context.Background(), events.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer consumeCtx.Stop()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			count := 0
			for {
				select {
				case msg := <-msgChan:
					var event events.StateChangeEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "error parsing event: %v\n", err)
						msg.Ack()
						continue
					}

					count++

					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Println(string(data))
					} else {
						fmt.Printf("Tx:        %s\n", event.TxID)
						fmt.Printf("Chain:     %s\n", event.Chain)
						fmt.Printf("Kind:      %s\n", event.Kind)
						fmt.Printf("State:     %s -> %s\n", event.FromState, event.ToState)
						if event.TxHash != "" {
							fmt.Printf("Hash:      %s\n", event.TxHash)
						}
						if event.Reason != "" {
							fmt.Printf("Reason:    %s\n", event.Reason)
						}
						fmt.Printf("Published: %s\n", event.PublishedAt.Format(time.RFC3339))
						fmt.Printf("\n")
					}

					msg.Ack()

				case <-sigChan:
					if !jsonOutput {
						fmt.Printf("\nReceived %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

// inspectStreamCommand shows information about the state-change stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the TX_STATE JetStream stream",
		Description: `Show information about the JetStream stream including message count,
consumers, storage usage, and stream configuration.

Example:
  defigw events inspect-stream`,
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			nc, err := nats.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), events.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("Subjects:  %v\n", info.Config.Subjects)
			fmt.Printf("Messages:  %d\n", info.State.Msgs)
			fmt.Printf("Bytes:     %d\n", info.State.Bytes)
			fmt.Printf("First Seq: %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:  %d\n", info.State.LastSeq)
			fmt.Printf("Consumers: %d\n", info.State.Consumers)
			fmt.Printf("Max Age:   %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:   %s\n", info.Config.Storage)

			return nil
		},
	}
}
