package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/stewardhq/steward/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a sync pass on the running node",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	resp, err := client.do(ctx, http.MethodPost, "/api/v1/sync", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return fmt.Errorf("node is offline; queued writes will sync when connectivity returns")
	default:
		return fmt.Errorf("sync request failed: %s", resp.Status)
	}

	var status syncer.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sync complete. Pending: %d, active conflicts: %d\n",
		status.Pending, status.ActiveConflicts)
	return nil
}
