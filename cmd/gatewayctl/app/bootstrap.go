package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fitsync/gateway/pkg/admintoken"
)

var bootstrapServiceName string

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Issue the first super-admin token",
	Long: `Issue a non-expiring super-admin token directly, with no caller-token
authorization check. Intended for a fresh deployment's first admin token;
every subsequent token issuance goes through 'gatewayctl tokens issue' and
requires an existing token with the manage_admin_tokens permission.`,
	RunE: bootstrapCmdFunc,
}

func init() {
	bootstrapCmd.Flags().StringVar(&bootstrapServiceName, "service-name", "root", "Service name recorded on the token")
}

func bootstrapCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mgr, st, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	token, record, err := mgr.Issue(ctx, admintoken.IssueRequest{
		ServiceName:  bootstrapServiceName,
		Description:  "bootstrap super-admin token",
		IsSuperAdmin: true,
	})
	if err != nil {
		return fmt.Errorf("issuing bootstrap token: %w", err)
	}

	fmt.Printf("Super-admin token issued (id=%s). Store it now; it will not be shown again:\n\n%s\n", record.ID, token)
	return nil
}
