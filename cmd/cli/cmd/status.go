package cmd

import (
	"fmt"
	"strings"
	"time"

	"mopplane/pkg/api"
	"mopplane/pkg/mop"

	"github.com/spf13/cobra"
)

var followStatus bool

var statusCmd = &cobra.Command{
	Use:   "status [assessment_id]",
	Short: "Get status of an assessment",
	Long:  `Retrieve the progress of an assessment, including its state (pending, running, completed, failed, cancelled), the current server and command, the percentage done and the recent log.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		client := newClient()

		for {
			status, err := client.Status(id)
			if err != nil {
				printAPIError(cmd, "Request", err)
				return
			}

			if !followStatus || status.Status.Terminal() {
				printStatus(cmd, *status)
				return
			}
			printProgress(cmd, *status)
			time.Sleep(time.Second)
		}
	},
}

func printStatus(cmd *cobra.Command, status api.StatusResponse) {
	// Header with status icon
	icon := statusIcon(status.Status)
	cmd.Printf("%s %sAssessment Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, status.ID)
	cmd.Printf("%sMOP:%s         %s\n", colorDim, colorReset, status.MOPName)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(status.Status))
	cmd.Printf("%sProgress:%s    %s\n", colorDim, colorReset, progressBar(status.Percentage, 20))
	cmd.Printf("%sServer:%s      %d/%d\n", colorDim, colorReset, status.CurrentServer, status.TotalServers)
	cmd.Printf("%sCommand:%s     %d/%d\n", colorDim, colorReset, status.CurrentCommand, status.TotalCommands)

	if status.RemainingSeconds > 0 {
		cmd.Printf("%sRemaining:%s   ~%s\n", colorDim, colorReset, formatDuration(time.Duration(status.RemainingSeconds)*time.Second))
	}

	// Error (if present)
	if status.Error != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, status.Error, colorReset)
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(status.StartedAt))

	// Duration if both times available
	if status.StartedAt != nil && status.FinishedAt != nil {
		duration := status.FinishedAt.Sub(*status.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(status.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(status.FinishedAt))
	}

	if len(status.Log) > 0 {
		cmd.Printf("%sLog:%s\n", colorDim, colorReset)
		for _, line := range status.Log {
			cmd.Printf("  %s\n", line)
		}
	}
}

// printProgress writes a single progress line for follow mode.
func printProgress(cmd *cobra.Command, status api.StatusResponse) {
	cmd.Printf("%s %s  server %d/%d  command %d/%d\n",
		colorizeStatus(status.Status), progressBar(status.Percentage, 20),
		status.CurrentServer, status.TotalServers,
		status.CurrentCommand, status.TotalCommands)
}

func progressBar(percentage float64, width int) string {
	filled := int(percentage / 100 * float64(width))
	filled = min(max(filled, 0), width)
	return fmt.Sprintf("[%s%s] %6.2f%%", strings.Repeat("█", filled), strings.Repeat("░", width-filled), percentage)
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status mop.JobStatus) string {
	switch status {
	case mop.JobCompleted:
		return colorGreen + "✓" + colorReset
	case mop.JobFailed:
		return colorRed + "✗" + colorReset
	case mop.JobCancelled:
		return colorYellow + "⊘" + colorReset
	case mop.JobRunning:
		return colorYellow + "⏳" + colorReset
	case mop.JobPending:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status mop.JobStatus) string {
	icon := statusIcon(status)
	switch status {
	case mop.JobCompleted:
		return icon + " " + colorGreen + string(status) + colorReset
	case mop.JobFailed:
		return icon + " " + colorRed + string(status) + colorReset
	case mop.JobRunning, mop.JobCancelled:
		return icon + " " + colorYellow + string(status) + colorReset
	case mop.JobPending:
		return icon + " " + colorCyan + string(status) + colorReset
	default:
		return string(status)
	}
}

func colorizeDecision(d mop.Decision) string {
	switch d {
	case mop.DecisionOK:
		return colorGreen + string(d) + colorReset
	case mop.DecisionNotOK:
		return colorRed + string(d) + colorReset
	case mop.DecisionSkipped:
		return colorCyan + string(d) + colorReset
	default:
		return colorDim + string(d) + colorReset
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&followStatus, "follow", "f", false, "Poll until the assessment finishes")
}
