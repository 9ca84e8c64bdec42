package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd builds the bastion command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bastion",
		Short:         "Disaster recovery orchestration",
		Long:          "bastion runs scheduled encrypted backups, corruption scans, and blue/green failover for the platform's stateful components.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "bastion.yaml", "config file path")

	root.AddCommand(newServeCmd())
	root.AddCommand(newBackupCmd())
	root.AddCommand(newFailoverCmd())
	root.AddCommand(newSchedulerCmd())
	return root
}
