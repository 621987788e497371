package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"EnrollDispatch/internal/adminclient"
)

var (
	apiURL  string
	timeout time.Duration
	asJSON  bool

	rootCmd = &cobra.Command{
		Use:   "dispatchctl",
		Short: "Operate the enrollment dispatcher",
		Long: `dispatchctl talks to the dispatcher's admin API to inspect and
manage scheduled jobs, the credential pool and delivery sweeps.`,
		SilenceUsage: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "a", envOr("DISPATCH_API_URL", "http://localhost:8080"), "admin API base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")
}

func client() *adminclient.Client {
	return adminclient.New(apiURL)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
