package app

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/fitsync/gateway/internal/config"
	"github.com/fitsync/gateway/pkg/admintoken"
	"github.com/fitsync/gateway/pkg/audit"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/pgstore"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
	"github.com/fitsync/gateway/pkg/tenantcrypto"
)

// openStore loads internal/config from the environment and opens the
// configured store backend, the same way cmd/gatewayd does, so gatewayctl
// always operates against the store gatewayd is actually serving from.
func openStore(ctx context.Context) (store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	var st store.Store
	switch cfg.DatabaseDriver {
	case "postgres":
		st, err = pgstore.Open(ctx, cfg.DatabaseDSN)
	default:
		st, err = sqlitestore.Open(cfg.DatabaseDSN)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return st, cfg, nil
}

// openManager opens the configured store and builds an admintoken.Manager
// bound to it.
func openManager(ctx context.Context) (*admintoken.Manager, store.Store, error) {
	st, _, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	jm := jwks.NewManager(st)
	if err := jm.Bootstrap(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("bootstrapping signing keys: %w", err)
	}

	return admintoken.NewManager(st, jm), st, nil
}

// openManagerAndCrypto opens the configured store and builds both an
// admintoken.Manager and a tenantcrypto.Manager bound to it, for commands
// (like key rotation) that need to validate a caller token and then operate
// on tenant-encrypted data in the same run.
func openManagerAndCrypto(ctx context.Context) (*admintoken.Manager, *tenantcrypto.Manager, store.Store, error) {
	st, cfg, err := openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	jm := jwks.NewManager(st)
	if err := jm.Bootstrap(ctx); err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("bootstrapping signing keys: %w", err)
	}

	masterKey, err := hex.DecodeString(cfg.MasterKeyHex)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("GATEWAY_MASTER_KEY is not valid hex: %w", err)
	}
	tc, err := tenantcrypto.NewManager(masterKey, st)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("building tenant crypto manager: %w", err)
	}
	tc.SetAuditLogger(audit.NewLogger(st, nil))

	return admintoken.NewManager(st, jm), tc, st, nil
}
