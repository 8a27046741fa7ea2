package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"mopplane/pkg/api"

	"github.com/spf13/cobra"
)

var resultCmd = &cobra.Command{
	Use:   "result [assessment_id]",
	Short: "Show per-command results of a finished assessment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := newClient().Result(args[0])
		if err != nil {
			printAPIError(cmd, "Request", err)
			return
		}

		cmd.Printf("%s %s%s%s (%s)\n", statusIcon(result.Status), colorBold, result.MOPName, colorReset, result.Status)
		if result.Error != "" {
			cmd.Printf("%sError:%s %s%s%s\n", colorDim, colorReset, colorRed, result.Error, colorReset)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "SERVER\tCOMMAND\tDECISION\tACTUAL\tREASON")
		for _, r := range result.Results {
			reason := r.Reason
			if r.SkipReason != "" {
				reason = r.SkipReason
			}
			id := r.CommandID
			if r.CommandIDRef != "" {
				id = r.CommandIDRef
			}
			server := r.ServerName
			if server == "" {
				server = r.ServerIP
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", server, id, colorizeDecision(r.Decision), r.ActualValue, reason)
		}
	},
}

var reportCmd = &cobra.Command{
	Use:   "report [assessment_id]",
	Short: "Download the report of a finished assessment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		body, err := newClient().Report(args[0], format)
		if err != nil {
			printAPIError(cmd, "Request", err)
			return
		}

		if out == "" {
			cmd.OutOrStdout().Write(body)
			return
		}
		if err := os.WriteFile(out, body, 0o644); err != nil {
			cmd.Printf("Error: failed to write %s: %v\n", out, err)
			return
		}
		cmd.Printf("✓ Report written to %s\n", out)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [assessment_id]",
	Short: "Cancel a running assessment",
	Long:  `Request cancellation of an assessment. Commands already running finish; no new command starts. Cancelling a finished assessment has no effect.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		status, err := newClient().Cancel(args[0])
		if err != nil {
			printAPIError(cmd, "Cancel", err)
			return
		}
		cmd.Printf("✓ Cancellation requested\nID: %s\nStatus: %s\n", status.ID, colorizeStatus(status.Status))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [assessment_id]",
	Short: "Remove a finished assessment from the controller",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().Delete(args[0]); err != nil {
			printAPIError(cmd, "Delete", err)
			return
		}
		cmd.Printf("✓ Assessment %s deleted\n", args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List assessments known to the controller",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		assessments, err := newClient().List()
		if err != nil {
			printAPIError(cmd, "Request", err)
			return
		}
		if len(assessments) == 0 {
			cmd.Println("No assessments found")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "ID\tMOP\tSTATUS\tPROGRESS\tCREATED")
		for _, a := range assessments {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n", a.ID, a.MOPName, a.Status, progressBar(a.Percentage, 10), relativeTime(a.CreatedAt))
		}
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [assessment_id]",
	Short: "Stream live progress of an assessment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// Trap Ctrl+C to stop watching without cancelling the assessment
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		followAssessment(ctx, cmd, newClient(), args[0])
	},
}

// followAssessment streams progress until the assessment is terminal and then prints its final status.
func followAssessment(ctx context.Context, cmd *cobra.Command, client *Client, id string) {
	var last *api.StatusResponse
	err := client.Watch(ctx, id, func(update api.StatusResponse) {
		last = &update
		printProgress(cmd, update)
	})
	if err != nil {
		printAPIError(cmd, "Watch", err)
		return
	}
	if last != nil && last.Status.Terminal() {
		cmd.Println()
		printStatus(cmd, *last)
	}
}

func init() {
	reportCmd.Flags().StringP("format", "f", "csv", "Report format: csv or json")
	reportCmd.Flags().StringP("out", "o", "", "Write the report to a file instead of stdout")

	rootCmd.AddCommand(resultCmd, reportCmd, cancelCmd, deleteCmd, listCmd, watchCmd)
}
