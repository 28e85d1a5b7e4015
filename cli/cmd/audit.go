package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keep/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long:  `Query recorded audit events, filtered by instance, action, time range and outcome.`,
	RunE:  runAuditQuery,
}

var (
	auditAction   string
	auditSince    string
	auditUntil    string
	auditFailures bool
	auditLimit    int
	auditOffset   int
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (e.g. unlock, content_retrieve)")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "events after this time (RFC3339)")
	auditCmd.Flags().StringVar(&auditUntil, "until", "", "events before this time (RFC3339)")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to return")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "events to skip")
	auditCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		InstanceID: instanceFlag,
		Action:     auditAction,
		Limit:      auditLimit,
		Offset:     auditOffset,
	}

	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		options.Since = &since
	}
	if auditUntil != "" {
		until, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return fmt.Errorf("invalid --until value: %w", err)
		}
		options.Until = &until
	}
	if auditFailures {
		success := false
		options.Success = &success
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "TIMESTAMP\tACTION\tINSTANCE\tSUCCESS\tPATH\tERROR")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339),
			event.Action,
			event.InstanceID,
			event.Success,
			event.Path,
			event.Error)
	}
	w.Flush()

	fmt.Printf("\n%d of %d matching events (total logged: %d)\n",
		len(result.Events), result.Filtered, result.TotalCount)
	if result.HasMore {
		fmt.Printf("More events available; use --offset %d\n", auditOffset+len(result.Events))
	}
	return nil
}
