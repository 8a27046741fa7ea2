package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mopctl",
	Short: "Mopctl is a command line tool for running MOP assessments",
	Long: `mopctl is the command-line interface for the mopplane assessment engine.

A MOP (Method of Procedure) is an ordered list of validation commands. mopplane
runs it against a set of servers in parallel, extracts a value from each
command's output, compares it to a reference and classifies the outcome as
OK, NOT_OK, SKIPPED or N_A.

Common workflows:

  Start an assessment:
    mopctl submit --mop checks.yaml --inventory servers.yaml

  Follow its progress:
    mopctl watch <assessment-id>

  Download the report:
    mopctl report <assessment-id> --format csv --out report.csv

  Stop it early:
    mopctl cancel <assessment-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    MOPPLANE_URL      API endpoint (default: http://localhost:6161)
    MOPPLANE_TOKEN    API token for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".mopctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".mopctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "MOPPLANE_VARNAME"
	viper.SetEnvPrefix("MOPPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds an API client from the resolved url and token.
func newClient() *Client {
	return NewClient(viper.GetString("url"), viper.GetString("token"))
}

// printAPIError reports err the same way for every command.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mopctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "mopplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
