// Package cmd holds the nedrexctl commands.
package cmd

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/repotrial/nedrexapi-v2d/internal/client"
)

const (
	flagURL     = "url"
	flagAPIKey  = "api-key"
	flagTimeout = "timeout"
	flagPoll    = "poll"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nedrexctl",
		Short:         "nedrexctl submits and tracks NeDRex analysis jobs.",
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().String(flagURL, envOr("NEDREX_URL", "http://localhost:8080"), "API base URL (env NEDREX_URL)")
	cmd.PersistentFlags().String(flagAPIKey, os.Getenv("NEDREX_API_KEY"), "API key (env NEDREX_API_KEY)")
	cmd.PersistentFlags().Duration(flagTimeout, 2*time.Minute, "Timeout of each HTTP request")
	cmd.PersistentFlags().Duration(flagPoll, 10*time.Second, "Status poll interval when waiting")

	cmd.AddCommand(
		submitCmd(),
		statusCmd(),
		waitCmd(),
		downloadCmd(),
		resubmitCmd(),
		keysCmd(),
		migrateCmd(),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newClient builds an API client from the persistent flags.
func newClient(cmd *cobra.Command) *client.HTTPClient {
	flags := cmd.Flags()
	url, _ := flags.GetString(flagURL)
	key, _ := flags.GetString(flagAPIKey)
	timeout, _ := flags.GetDuration(flagTimeout)
	poll, _ := flags.GetDuration(flagPoll)
	return client.NewHTTPClient(url, timeout, client.WithAPIKey(key), client.WithPollInterval(poll))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
