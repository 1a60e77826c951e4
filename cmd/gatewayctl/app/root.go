// Package app provides the entry point for the gatewayctl admin CLI,
// following the teacher's cmd/thv/app conventions: a package-level root
// command, one file per subcommand group, package-level flag variables
// bound in each command's init().
package app

import (
	"github.com/spf13/cobra"

	"github.com/fitsync/gateway/pkg/logger"
)

// NewRootCmd creates the gatewayctl root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Administer the gateway's admin tokens and provisioned API keys",
		Long: `gatewayctl operates directly against the gateway's store: bootstrapping
the first super-admin token, issuing and revoking scoped admin tokens, and
provisioning or revoking tenant API keys. It reads the same GATEWAY_*
environment variables as gatewayd.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("error displaying help: %v", err)
			}
		},
	}

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(cryptoCmd)

	rootCmd.SilenceUsage = true
	return rootCmd
}
