package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fitsync/gateway/pkg/admintoken"
	"github.com/fitsync/gateway/pkg/domain"
	apierrors "github.com/fitsync/gateway/pkg/errors"
)

// callerIP is a fixed placeholder recorded against admin_token_usage rows
// produced by CLI-driven validation; the CLI has no client IP of its own.
const callerIP = "cli"

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Issue, revoke, and inspect admin tokens",
}

var (
	tokensIssueCallerToken string
	tokensIssueServiceName string
	tokensIssueDescription string
	tokensIssuePermissions []string
	tokensIssueSuperAdmin  bool
	tokensIssueExpiresDays int64
)

var tokensIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new admin token",
	RunE:  tokensIssueCmdFunc,
}

var (
	tokensRevokeCallerToken string
	tokensRevokeID          string
)

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an admin token by ID",
	RunE:  tokensRevokeCmdFunc,
}

func init() {
	tokensIssueCmd.Flags().StringVar(&tokensIssueCallerToken, "caller-token", "", "An existing admin token with manage_admin_tokens permission (required)")
	tokensIssueCmd.Flags().StringVar(&tokensIssueServiceName, "service-name", "", "Service name recorded on the new token (required)")
	tokensIssueCmd.Flags().StringVar(&tokensIssueDescription, "description", "", "Human-readable description")
	tokensIssueCmd.Flags().StringArrayVar(&tokensIssuePermissions, "permission", nil, "Permission to grant (repeatable); defaults to list_keys only (or every permission with --super-admin) if omitted")
	tokensIssueCmd.Flags().BoolVar(&tokensIssueSuperAdmin, "super-admin", false, "Grant every permission and never expire")
	tokensIssueCmd.Flags().Int64Var(&tokensIssueExpiresDays, "expires-days", 0, "Expire after this many days (0 = default lifespan, or never for --super-admin)")
	_ = tokensIssueCmd.MarkFlagRequired("caller-token")
	_ = tokensIssueCmd.MarkFlagRequired("service-name")

	tokensRevokeCmd.Flags().StringVar(&tokensRevokeCallerToken, "caller-token", "", "An existing admin token with manage_admin_tokens permission (required)")
	tokensRevokeCmd.Flags().StringVar(&tokensRevokeID, "id", "", "ID of the admin token to revoke (required)")
	_ = tokensRevokeCmd.MarkFlagRequired("caller-token")
	_ = tokensRevokeCmd.MarkFlagRequired("id")

	tokensCmd.AddCommand(tokensIssueCmd)
	tokensCmd.AddCommand(tokensRevokeCmd)
}

func tokensIssueCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mgr, st, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	caller, err := mgr.Validate(ctx, tokensIssueCallerToken, callerIP)
	if err != nil {
		return fmt.Errorf("validating caller token: %w", err)
	}
	if !caller.HasPermission(domain.PermissionManageAdminTokens) {
		return apierrors.NewPermissionDeniedError("caller token lacks manage_admin_tokens permission", nil)
	}

	var perms []domain.AdminPermission
	for _, p := range tokensIssuePermissions {
		perms = append(perms, domain.AdminPermission(p))
	}

	req := admintoken.IssueRequest{
		ServiceName:  tokensIssueServiceName,
		Description:  tokensIssueDescription,
		Permissions:  perms,
		IsSuperAdmin: tokensIssueSuperAdmin,
	}
	if tokensIssueExpiresDays > 0 {
		req.ExpiresInDays = &tokensIssueExpiresDays
	}

	token, record, err := mgr.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Printf("Admin token issued (id=%s). Store it now; it will not be shown again:\n\n%s\n", record.ID, token)
	return nil
}

func tokensRevokeCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mgr, st, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	caller, err := mgr.Validate(ctx, tokensRevokeCallerToken, callerIP)
	if err != nil {
		return fmt.Errorf("validating caller token: %w", err)
	}
	if !caller.HasPermission(domain.PermissionManageAdminTokens) {
		return apierrors.NewPermissionDeniedError("caller token lacks manage_admin_tokens permission", nil)
	}

	if err := mgr.Revoke(ctx, tokensRevokeID); err != nil {
		return fmt.Errorf("revoking token %s: %w", tokensRevokeID, err)
	}

	fmt.Printf("Admin token %s revoked\n", tokensRevokeID)
	return nil
}
