package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/stewardhq/steward/internal/syncer"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status of the running node",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "Output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	resp, err := client.do(ctx, http.MethodGet, "/api/v1/status", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var status syncer.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSONOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Fprintf(out, "Online:           %v\n", status.Online)
	fmt.Fprintf(out, "Draining:         %v\n", status.Draining)
	fmt.Fprintf(out, "Pending writes:   %d\n", status.Pending)
	fmt.Fprintf(out, "Active conflicts: %d\n", status.ActiveConflicts)
	if !status.LastSyncAt.IsZero() {
		fmt.Fprintf(out, "Last sync:        %s\n", status.LastSyncAt.Format("2006-01-02 15:04:05 MST"))
	}
	if status.LastError != "" {
		fmt.Fprintf(out, "Last error:       %s\n", status.LastError)
	}
	return nil
}
