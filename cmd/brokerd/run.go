package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/authbroker/pkg/audit"
	"github.com/stacklok/authbroker/pkg/auth/jwtauth"
	"github.com/stacklok/authbroker/pkg/auth/middleware"
	"github.com/stacklok/authbroker/pkg/auth/oauthmeta"
	"github.com/stacklok/authbroker/pkg/auth/tokencache"
	"github.com/stacklok/authbroker/pkg/config"
	"github.com/stacklok/authbroker/pkg/delegation"
	"github.com/stacklok/authbroker/pkg/delegation/kerberos"
	"github.com/stacklok/authbroker/pkg/delegation/postgres"
	"github.com/stacklok/authbroker/pkg/delegation/sqlserver"
	"github.com/stacklok/authbroker/pkg/health"
	"github.com/stacklok/authbroker/pkg/logging"
	"github.com/stacklok/authbroker/pkg/oauthredirect"
	"github.com/stacklok/authbroker/pkg/secrets"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var auditor interface {
		Append(context.Context, map[string]any)
	}
	if cfg.Audit.Enabled {
		auditor = audit.New(audit.NewWriterSink(os.Stdout))
	} else {
		auditor = audit.Null{}
	}

	if err := resolveSecrets(ctx, cfg, auditor); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	tracingShutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.ServerName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	authn, err := jwtauth.New(ctx, cfg.Auth.TrustedIDPs, cfg.Env, auditor)
	if err != nil {
		return fmt.Errorf("init authenticator: %w", err)
	}

	registry := delegation.NewRegistry(auditor)
	var cache *tokencache.Cache
	for _, moduleCfg := range cfg.Delegation.Modules {
		if moduleCfg.TokenExchange != nil && moduleCfg.TokenExchange.Cache != nil && moduleCfg.TokenExchange.Cache.Enabled && cache == nil {
			cache = tokencache.New(ctx, tokencache.Config{
				TTL:                  time.Duration(moduleCfg.TokenExchange.Cache.TTLSeconds) * time.Second,
				SessionTimeout:       time.Duration(moduleCfg.TokenExchange.Cache.SessionTimeoutMS) * time.Millisecond,
				MaxEntriesPerSession: moduleCfg.TokenExchange.Cache.MaxEntriesPerSession,
				MaxTotalEntries:      moduleCfg.TokenExchange.Cache.MaxTotalEntries,
			}, auditor)
		}
	}
	for name, moduleCfg := range cfg.Delegation.Modules {
		registry.Register(buildModule(name, moduleCfg, cache))
	}
	if err := registry.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initialize delegation modules: %w", err)
	}

	var redirectHandler *oauthredirect.Handler
	if cfg.OAuthRedirect != nil {
		redirectHandler = oauthredirect.New(ctx, *cfg.OAuthRedirect)
	}

	router := buildRouter(cfg, authn, registry, redirectHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Infof("brokerd: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	}

	return shutdown(srv, registry, cache, redirectHandler, tracingShutdown)
}

func buildModule(name string, moduleCfg config.DelegationModuleConfig, cache *tokencache.Cache) delegation.Module {
	switch moduleCfg.Type {
	case "postgres":
		return postgres.New(name, moduleCfg, cache)
	case "sqlserver":
		return sqlserver.New(name, moduleCfg, cache)
	case "kerberos":
		return kerberos.New(name)
	default:
		return kerberos.New(name)
	}
}

func buildRouter(
	cfg *config.Config,
	authn *jwtauth.Authenticator,
	registry *delegation.Registry,
	redirectHandler *oauthredirect.Handler,
) http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware)

	meta := oauthmeta.New(cfg.ServerName, cfg.ServerURL, cfg.Auth.TrustedIDPs, nil)
	r.Get("/.well-known/oauth-authorization-server", meta.AuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", meta.ProtectedResourceMetadata)

	healthHandler := health.New(cfg.ServerName, registry)
	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	if redirectHandler != nil {
		r.Get("/oauth/authorize", authorizeHandler(redirectHandler))
		r.Get("/oauth/callback", callbackHandler(redirectHandler))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireBearer(authn, middleware.Config{ServerName: cfg.ServerName}))
		r.Post("/delegate/{module}", delegateHandler(registry))
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "WWW-Authenticate")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func resolveSecrets(ctx context.Context, cfg *config.Config, auditor secrets.Auditor) error {
	providers := []secrets.Provider{secrets.EnvProvider{Prefix: "BROKER_SECRET_"}}
	if secretsPath := os.Getenv("SECRETS_PATH"); secretsPath != "" {
		providers = append(providers, secrets.FileProvider{Dir: secretsPath})
	}

	resolver := secrets.New(false, auditor, providers...)

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for secret resolution: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("unmarshal config tree: %w", err)
	}

	resolved, err := resolver.Resolve(ctx, tree)
	if err != nil {
		return err
	}

	resolvedJSON, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("marshal resolved config: %w", err)
	}
	return json.Unmarshal(resolvedJSON, cfg)
}

func shutdown(
	srv *http.Server,
	registry *delegation.Registry,
	cache *tokencache.Cache,
	redirectHandler *oauthredirect.Handler,
	tracingShutdown func(context.Context) error,
) error {
	logging.Infof("brokerd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("brokerd: HTTP server shutdown: %v", err)
	}

	for _, err := range registry.DestroyAll(shutdownCtx) {
		logging.Warnf("brokerd: %v", err)
	}

	if cache != nil {
		cache.Stop()
	}
	if redirectHandler != nil {
		redirectHandler.Stop()
	}
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			logging.Warnf("brokerd: tracer shutdown: %v", err)
		}
	}

	return nil
}
