package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/pullgate/apis"
	"github.com/spf13/cobra"
)

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of an API definitions file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := apis.SchemaJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}

func newDrainCommand() *cobra.Command {
	var adminURL string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Ask a running gateway to close client connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := strings.TrimRight(adminURL, "/") + "/_node/drain"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("drain: unexpected status %s", resp.Status)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "drain requested")
			return err
		},
	}
	cmd.Flags().StringVar(&adminURL, "admin-url", "http://127.0.0.1:18082", "base URL of the admin listener")
	return cmd
}
