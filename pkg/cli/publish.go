package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var publishTimeout time.Duration

var publishCmd = &cobra.Command{
	Use:   "publish <server-url> <channel> <json>",
	Short: "Publish an event to a channel of a running server",
	Long: `Publishes a JSON payload to a pubsub channel through the server's HTTP API.

Example:
  subtransport publish http://localhost:4000 messageAdded '{"room":"lobby","text":"hi"}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, channel, payload := strings.TrimRight(args[0], "/"), strings.Trim(args[1], "/"), args[2]
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload must be valid JSON")
		}

		httpClient := &http.Client{Timeout: publishTimeout}
		resp, err := httpClient.Post(base+"/publish/"+channel, "application/json", strings.NewReader(payload))
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusAccepted {
			var apiErr struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
				return fmt.Errorf("publish failed (HTTP %d): %s", resp.StatusCode, apiErr.Error)
			}
			return fmt.Errorf("publish failed (HTTP %d)", resp.StatusCode)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			fmt.Fprintln(out, strings.TrimSpace(string(body)))
			return nil
		}

		var result struct {
			Channel   string `json:"channel"`
			Listeners int    `json:"listeners"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		fmt.Fprintf(out, "published to %s (%d listeners)\n", result.Channel, result.Listeners)
		return nil
	},
}

func init() {
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 10*time.Second, "HTTP request timeout")
	rootCmd.AddCommand(publishCmd)
}
