package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fitsync/gateway/pkg/admintoken"
	"github.com/fitsync/gateway/pkg/domain"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Provision, revoke, and re-limit tenant API keys",
}

var (
	keysProvisionCallerToken string
	keysProvisionUserID      string
	keysProvisionName        string
	keysProvisionDescription string
	keysProvisionTier        string
	keysProvisionLimit       int64
	keysProvisionExpiresDays int64
)

var keysProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a new API key for a user",
	RunE:  keysProvisionCmdFunc,
}

var (
	keysRevokeCallerToken string
	keysRevokeID          string
)

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an API key by ID",
	RunE:  keysRevokeCmdFunc,
}

var (
	keysLimitsCallerToken string
	keysLimitsID          string
	keysLimitsRequests    int64
)

var keysLimitsCmd = &cobra.Command{
	Use:   "update-limits",
	Short: "Override an API key's monthly request budget",
	RunE:  keysLimitsCmdFunc,
}

func init() {
	keysProvisionCmd.Flags().StringVar(&keysProvisionCallerToken, "caller-token", "", "An existing admin token with provision_keys permission (required)")
	keysProvisionCmd.Flags().StringVar(&keysProvisionUserID, "user-id", "", "Owning user's ID (required)")
	keysProvisionCmd.Flags().StringVar(&keysProvisionName, "name", "", "Human-readable key name")
	keysProvisionCmd.Flags().StringVar(&keysProvisionDescription, "description", "", "Description")
	keysProvisionCmd.Flags().StringVar(&keysProvisionTier, "tier", string(domain.TierStarter), "Billing tier (starter, professional, enterprise)")
	keysProvisionCmd.Flags().Int64Var(&keysProvisionLimit, "rate-limit", 0, "Explicit monthly request budget (0 = use the tier's default)")
	keysProvisionCmd.Flags().Int64Var(&keysProvisionExpiresDays, "expires-days", 0, "Expire after this many days (0 = never)")
	_ = keysProvisionCmd.MarkFlagRequired("caller-token")
	_ = keysProvisionCmd.MarkFlagRequired("user-id")

	keysRevokeCmd.Flags().StringVar(&keysRevokeCallerToken, "caller-token", "", "An existing admin token with revoke_keys permission (required)")
	keysRevokeCmd.Flags().StringVar(&keysRevokeID, "id", "", "ID of the API key to revoke (required)")
	_ = keysRevokeCmd.MarkFlagRequired("caller-token")
	_ = keysRevokeCmd.MarkFlagRequired("id")

	keysLimitsCmd.Flags().StringVar(&keysLimitsCallerToken, "caller-token", "", "An existing admin token with update_key_limits permission (required)")
	keysLimitsCmd.Flags().StringVar(&keysLimitsID, "id", "", "ID of the API key to update (required)")
	keysLimitsCmd.Flags().Int64Var(&keysLimitsRequests, "rate-limit", 0, "New monthly request budget (required)")
	_ = keysLimitsCmd.MarkFlagRequired("caller-token")
	_ = keysLimitsCmd.MarkFlagRequired("id")
	_ = keysLimitsCmd.MarkFlagRequired("rate-limit")

	keysCmd.AddCommand(keysProvisionCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysLimitsCmd)
}

func keysProvisionCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mgr, st, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	caller, err := mgr.Validate(ctx, keysProvisionCallerToken, callerIP)
	if err != nil {
		return fmt.Errorf("validating caller token: %w", err)
	}

	req := admintoken.ProvisionKeyRequest{
		UserID:            keysProvisionUserID,
		Name:              keysProvisionName,
		Description:       keysProvisionDescription,
		Tier:              domain.Tier(keysProvisionTier),
		RateLimitRequests: keysProvisionLimit,
	}
	if keysProvisionExpiresDays > 0 {
		req.ExpiresInDays = &keysProvisionExpiresDays
	}

	plaintext, key, err := mgr.ProvisionAPIKey(ctx, caller, req)
	if err != nil {
		return fmt.Errorf("provisioning api key: %w", err)
	}

	fmt.Printf("API key provisioned (id=%s, tier=%s, limit=%d/month). Store it now; it will not be shown again:\n\n%s\n",
		key.ID, key.Tier, key.RateLimitRequests, plaintext)
	return nil
}

func keysRevokeCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mgr, st, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	caller, err := mgr.Validate(ctx, keysRevokeCallerToken, callerIP)
	if err != nil {
		return fmt.Errorf("validating caller token: %w", err)
	}

	if err := mgr.RevokeAPIKey(ctx, caller, keysRevokeID); err != nil {
		return fmt.Errorf("revoking api key %s: %w", keysRevokeID, err)
	}

	fmt.Printf("API key %s revoked\n", keysRevokeID)
	return nil
}

func keysLimitsCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	mgr, st, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	caller, err := mgr.Validate(ctx, keysLimitsCallerToken, callerIP)
	if err != nil {
		return fmt.Errorf("validating caller token: %w", err)
	}

	if err := mgr.UpdateAPIKeyLimits(ctx, caller, keysLimitsID, keysLimitsRequests); err != nil {
		return fmt.Errorf("updating limits for api key %s: %w", keysLimitsID, err)
	}

	fmt.Printf("API key %s rate limit updated to %d requests/month\n", keysLimitsID, keysLimitsRequests)
	return nil
}
