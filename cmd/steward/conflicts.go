package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stewardhq/steward/internal/types"
)

var (
	resolveStrategy string
	resolveBy       string
	resolvePayload  string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve sync conflicts",
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict with a strategy",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsResolve,
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "",
		"Resolution strategy (lastWriteWins, mergeFields, userChoice, keepLocal, keepRemote)")
	conflictsResolveCmd.Flags().StringVar(&resolveBy, "by", "",
		"Identifier of the person deciding")
	conflictsResolveCmd.Flags().StringVar(&resolvePayload, "resolution", "",
		"JSON attribute payload for the userChoice strategy")
	conflictsResolveCmd.MarkFlagRequired("strategy")

	conflictsCmd.AddCommand(conflictsResolveCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	resp, err := client.do(ctx, http.MethodGet, "/api/v1/conflicts", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("conflicts request failed: %s", resp.Status)
	}

	var body struct {
		Conflicts []types.ConflictRecord `json:"conflicts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(body.Conflicts) == 0 {
		fmt.Fprintln(out, "No active conflicts.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOLLECTION\tTARGET\tCLASS\tSUGGESTED\tDETECTED")
	for _, c := range body.Conflicts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Collection, c.TargetID, c.Classification,
			c.SuggestedStrategy, c.DetectedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	req := map[string]any{
		"strategy":   resolveStrategy,
		"resolvedBy": resolveBy,
	}
	if resolvePayload != "" {
		var resolution map[string]any
		if err := json.Unmarshal([]byte(resolvePayload), &resolution); err != nil {
			return fmt.Errorf("parse --resolution: %w", err)
		}
		req["resolution"] = resolution
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := client.do(ctx, http.MethodPost,
		"/api/v1/conflicts/"+args[0]+"/resolve", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s resolved with %s.\n", args[0], resolveStrategy)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("conflict %s not found", args[0])
	case http.StatusConflict:
		return fmt.Errorf("conflict %s is already resolved", args[0])
	default:
		return fmt.Errorf("resolve request failed: %s", resp.Status)
	}
}
