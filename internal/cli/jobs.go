package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var startJobCmd = &cobra.Command{
	Use:   "start-job <name>",
	Short: "Run one named job to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "" {
			return errors.New("job name must not be empty")
		}
		return getApp().StartJob(cmd.Context(), args[0])
	},
}

var runCatchupCmd = &cobra.Command{
	Use:   "run-catchup",
	Short: "Run one catch-up pass over open data gaps",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunCatchup(cmd.Context())
	},
}

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Probe the database and the data provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().HealthCheck(cmd.Context())
	},
}
