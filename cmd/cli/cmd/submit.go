package cmd

import (
	"context"

	"mopplane/internal/inventory"
	"mopplane/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start an assessment of a MOP against a server inventory",
	Long: `Load a MOP and a server inventory from YAML or JSON files and start an assessment.

The command returns as soon as the controller accepts the job. Use --watch to
follow progress until the assessment finishes.

Example:
  mopctl submit --mop checks.yaml --inventory servers.yaml
  mopctl submit -m checks.yaml -i servers.yaml --watch`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		mopPath, _ := flags.GetString("mop")
		inventoryPath, _ := flags.GetString("inventory")
		watch, _ := flags.GetBool("watch")

		if mopPath == "" {
			cmd.Println("Error: --mop is required")
			return
		}
		if inventoryPath == "" {
			cmd.Println("Error: --inventory is required")
			return
		}

		procedure, err := inventory.LoadMOP(mopPath)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		servers, err := inventory.LoadServers(inventoryPath)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		client := newClient()
		result, err := client.Submit(api.SubmitRequest{MOP: procedure, Servers: servers})
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}

		cmd.Printf("✓ Assessment submitted!\nID: %s\nCommands: %d  Servers: %d\n",
			result.JobID, len(procedure.Commands), len(servers))

		if watch {
			followAssessment(context.Background(), cmd, client, result.JobID)
		}
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("mop", "m", "", "Path to the MOP file (required)")
	flags.StringP("inventory", "i", "", "Path to the server inventory file (required)")
	flags.BoolP("watch", "w", false, "Follow progress until the assessment finishes")

	rootCmd.AddCommand(submitCmd)
}
