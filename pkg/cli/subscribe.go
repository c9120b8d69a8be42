package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/subtransport/pkg/client"
	"github.com/getmockd/subtransport/pkg/subscriptions"
)

var (
	subscribeQuery         string
	subscribeVariables     string
	subscribeOperationName string
	subscribeID            string
	subscribeInitPayload   string
	subscribeHeaders       []string
	subscribeCount         int
	subscribeTimeout       time.Duration
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <url>",
	Short: "Run a subscription and print every result",
	Long: `Connects to a subscription endpoint, sends init and subscription_start, then
prints each result payload as one line of JSON until interrupted.

Example:
  subtransport subscribe ws://localhost:4000/ws \
    --query 'subscription ($room: String!) { messageAdded(room: $room) { text } }' \
    --variables '{"room":"lobby"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if subscribeQuery == "" {
			return errors.New("--query is required")
		}
		variables, err := parseObjectFlag("variables", subscribeVariables)
		if err != nil {
			return err
		}
		var initPayload any
		if subscribeInitPayload != "" {
			if initPayload, err = parseObjectFlag("init-payload", subscribeInitPayload); err != nil {
				return err
			}
		}
		header, err := parseHeaders(subscribeHeaders)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
		defer cancel()
		c, err := client.Dial(dialCtx, args[0], client.Options{
			Header:           header,
			HandshakeTimeout: subscribeTimeout,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Init(initPayload); err != nil {
			return fmt.Errorf("failed to send init: %w", err)
		}
		if err := awaitFrame(dialCtx, c, subscriptions.TypeInitSuccess, subscriptions.TypeInitFail); err != nil {
			return fmt.Errorf("init rejected: %w", err)
		}

		if err := c.Start(subscribeID, subscribeQuery, variables, subscribeOperationName); err != nil {
			return fmt.Errorf("failed to send subscription_start: %w", err)
		}
		if err := awaitFrame(dialCtx, c, subscriptions.TypeSubscriptionSuccess, subscriptions.TypeSubscriptionFail); err != nil {
			return fmt.Errorf("subscription failed: %w", err)
		}

		return printResults(ctx, cmd, c)
	},
}

// awaitFrame reads until a frame of type ok or fail arrives, skipping
// notices and keepalives. A fail frame becomes an error with its payload.
func awaitFrame(ctx context.Context, c *client.Client, ok, fail subscriptions.MessageType) error {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return err
		}
		switch f.Type {
		case ok:
			return nil
		case fail:
			var reason string
			if json.Unmarshal(f.Payload, &reason) != nil {
				reason = string(f.Payload)
			}
			return errors.New(reason)
		}
	}
}

func printResults(ctx context.Context, cmd *cobra.Command, c *client.Client) error {
	out := cmd.OutOrStdout()
	received := 0
	for subscribeCount <= 0 || received < subscribeCount {
		f, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = c.End(subscribeID)
				return nil
			}
			if client.IsNormalClose(err) {
				return nil
			}
			return err
		}

		switch f.Type {
		case subscriptions.TypeSubscriptionData:
			fmt.Fprintln(out, string(f.Payload))
			received++
		case subscriptions.TypeSubscriptionFail:
			return fmt.Errorf("subscription failed: %s", f.Payload)
		}
		if f.Notice() == subscriptions.NoticeDisconnected {
			return nil
		}
	}

	return c.End(subscribeID)
}

func parseObjectFlag(name, value string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(value), &obj); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return obj, nil
}

func parseHeaders(values []string) (http.Header, error) {
	header := http.Header{}
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", v)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return header, nil
}

func init() {
	subscribeCmd.Flags().StringVarP(&subscribeQuery, "query", "q", "", "GraphQL subscription document")
	subscribeCmd.Flags().StringVarP(&subscribeVariables, "variables", "v", "", "Variables as a JSON object")
	subscribeCmd.Flags().StringVar(&subscribeOperationName, "operation-name", "", "Operation to run when the document has several")
	subscribeCmd.Flags().StringVar(&subscribeID, "id", "1", "Subscription id")
	subscribeCmd.Flags().StringVar(&subscribeInitPayload, "init-payload", "", "Init payload as a JSON object")
	subscribeCmd.Flags().StringArrayVarP(&subscribeHeaders, "header", "H", nil, "Extra handshake header ('Name: value'), repeatable")
	subscribeCmd.Flags().IntVarP(&subscribeCount, "count", "n", 0, "Exit after this many results (0 = until interrupted)")
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 10*time.Second, "Timeout for connecting and subscribing")
	rootCmd.AddCommand(subscribeCmd)
}
