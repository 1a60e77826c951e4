// Command gatewayd runs the gateway's HTTP server: OAuth2 authorization
// server, JWKS publication, and the authenticated API surface, wired from
// process environment variables per internal/config.
package main

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/fitsync/gateway/internal/config"
	"github.com/fitsync/gateway/pkg/audit"
	"github.com/fitsync/gateway/pkg/auth"
	"github.com/fitsync/gateway/pkg/domain"
	"github.com/fitsync/gateway/pkg/httpapi"
	"github.com/fitsync/gateway/pkg/jwks"
	"github.com/fitsync/gateway/pkg/logger"
	"github.com/fitsync/gateway/pkg/oauth2server"
	"github.com/fitsync/gateway/pkg/ratelimit"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/pgstore"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
	"github.com/fitsync/gateway/pkg/tenantcrypto"
	"github.com/fitsync/gateway/pkg/upstream"
)

// readHeaderTimeout mirrors the teacher's pkg/api/server.go.
const readHeaderTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	if err := logger.Init(cfg.UnstructuredLogs); err != nil {
		panic("failed to initialize logger: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Errorf("gatewayd exited with error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	auditLogger := audit.NewLogger(st, nil)

	masterKey, err := hex.DecodeString(cfg.MasterKeyHex)
	if err != nil {
		return fmt.Errorf("GATEWAY_MASTER_KEY is not valid hex: %w", err)
	}
	tenantCrypto, err := tenantcrypto.NewManager(masterKey, st)
	if err != nil {
		return err
	}
	tenantCrypto.SetAuditLogger(auditLogger)

	jm := jwks.NewManager(st)
	if err := jm.Bootstrap(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	limiter := ratelimit.NewLimiter(rdb, "gateway:ratelimit:")

	authenticator := auth.New(st, jm, limiter, auditLogger)

	broker := upstream.NewBroker(st, tenantCrypto)
	broker.Register(upstream.NewStravaAdapter())
	broker.Register(upstream.NewFitbitAdapter())
	if cfg.StravaClientID != "" && cfg.StravaClientSecret != "" {
		broker.RegisterDefaultCredentials(domain.ProviderStrava, upstream.ProviderCredentials{
			ClientID: cfg.StravaClientID, ClientSecret: cfg.StravaClientSecret,
		})
	}
	if cfg.FitbitClientID != "" && cfg.FitbitClientSecret != "" {
		broker.RegisterDefaultCredentials(domain.ProviderFitbit, upstream.ProviderCredentials{
			ClientID: cfg.FitbitClientID, ClientSecret: cfg.FitbitClientSecret,
		})
	}

	oauthCfg := oauth2server.Config{Issuer: cfg.Issuer}
	router := httpapi.NewRouter(httpapi.Deps{
		Environment:   cfg.Environment,
		JWKS:          jm,
		Authenticator: authenticator,
		OAuthConfig:   oauthCfg,
		Authorizer:    oauth2server.NewAuthorizer(st, jm),
		TokenIssuer:   oauth2server.NewTokenIssuer(st, jm),
		Introspector:  oauth2server.NewIntrospector(jm),
		Store:         st,
	})
	router = chainRequestLogging(router)

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infof("starting gateway http server on %s (issuer=%s, env=%s)", srv.Addr, cfg.Issuer, cfg.Environment)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("gateway http server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return pgstore.Open(ctx, cfg.DatabaseDSN)
	default:
		return sqlitestore.Open(cfg.DatabaseDSN)
	}
}

// chainRequestLogging wraps handler with request-ID-correlated access
// logging, following the teacher's habit of layering chi/middleware.Logger
// over its own RequestID middleware rather than writing a bespoke logger.
func chainRequestLogging(handler http.Handler) http.Handler {
	return middleware.Logger(handler)
}
