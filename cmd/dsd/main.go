// Package main is the CLI entrypoint for the MLS delivery service. It
// provides subcommands for running the server (serve), managing database
// migrations (migrate), and printing version information (version). The
// serve command loads configuration, connects to PostgreSQL and Redis,
// runs pending migrations, bootstraps this instance's service-token signing
// key, wires the client and federation XRPC surfaces onto a single HTTP
// server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/catbird/mls-ds/internal/api"
	"github.com/catbird/mls-ds/internal/config"
	"github.com/catbird/mls-ds/internal/cursor"
	"github.com/catbird/mls-ds/internal/database"
	"github.com/catbird/mls-ds/internal/eventlog"
	"github.com/catbird/mls-ds/internal/fanout"
	"github.com/catbird/mls-ds/internal/idempotency"
	"github.com/catbird/mls-ds/internal/inbound"
	"github.com/catbird/mls-ds/internal/keypackage"
	"github.com/catbird/mls-ds/internal/outbound"
	"github.com/catbird/mls-ds/internal/peers"
	"github.com/catbird/mls-ds/internal/ratelimit"
	"github.com/catbird/mls-ds/internal/realtime"
	"github.com/catbird/mls-ds/internal/registry"
	"github.com/catbird/mls-ds/internal/replay"
	"github.com/catbird/mls-ds/internal/resolver"
	"github.com/catbird/mls-ds/internal/sequencer"
	"github.com/catbird/mls-ds/internal/servicetoken"
	"github.com/catbird/mls-ds/internal/ssrfguard"
	"github.com/catbird/mls-ds/internal/storage"
	"github.com/catbird/mls-ds/internal/upstream"
	"github.com/catbird/mls-ds/internal/userauth"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("dsd — MLS Delivery Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dsd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the delivery service")
	fmt.Println("  migrate   Run database migrations (up|down|status)")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  ds.toml (or set DS_CONFIG_PATH)")
	fmt.Println("  Env prefix:   DS_ (e.g. DS_DATABASE_URL)")
}

func runVersion() {
	fmt.Printf("dsd %s (%s)\n", version, commit)
}

func configPath() string {
	if p := os.Getenv("DS_CONFIG_PATH"); p != "" {
		return p
	}
	return "ds.toml"
}

// runServe starts the full delivery-service process: loads config, connects
// to PostgreSQL and Redis, runs migrations, bootstraps this instance's
// signing key, wires every internal component, starts the HTTP server, and
// blocks until a shutdown signal arrives.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting delivery service", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	signingKey, kid, err := ensureSigningKey(cfg.Instance.SigningKeyPath, cfg.Instance.KeyID, logger)
	if err != nil {
		return fmt.Errorf("bootstrapping signing key: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("parsing cache.url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	store := storage.New(db.Pool)
	gen := cursor.NewGenerator()
	events := eventlog.New(store, gen, logger)

	fanoutOrigin := cfg.Instance.ServiceDID
	if h, err := os.Hostname(); err == nil {
		fanoutOrigin = fanoutOrigin + "/" + h
	}
	fanoutBus, err := fanout.New(cfg.NATS.URL, fanoutOrigin, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer fanoutBus.Close()
	events.SetBus(fanoutBus)
	unsubscribeFanout, err := fanoutBus.Subscribe(events.ReceiveRemote)
	if err != nil {
		return fmt.Errorf("subscribing to cross-process fan-out: %w", err)
	}
	defer unsubscribeFanout()

	conversations := registry.New(store, events, gen, logger)
	sequencerBinding := sequencer.New(store, events, cfg.Instance.ServiceDID)

	federationPolicy := ssrfguard.Policy{
		AllowInsecureHTTP: cfg.Federation.AllowInsecureHTTP,
		Allowlist:         cfg.Federation.OutboundHostAllowlist,
		DNSTimeout:        cfg.Federation.DNSTimeout(),
	}
	didPolicy := ssrfguard.Policy{
		AllowInsecureHTTP: cfg.Federation.AllowInsecureHTTP,
		Allowlist:         cfg.Federation.DIDResolutionAllowlist,
		DNSTimeout:        cfg.Federation.DIDResolutionTimeout(),
	}
	didResolver := resolver.NewHTTPDIDResolver(didPolicy)

	var defaultDS *resolver.Record
	if cfg.Federation.DefaultDS != "" {
		defaultDS = &resolver.Record{DSID: cfg.Federation.DefaultDS, Endpoint: cfg.Federation.DefaultDS}
	}
	dsResolver := resolver.New(resolver.Config{
		SSRF:      federationPolicy,
		CacheTTL:  cfg.Federation.ResolverCacheTTL(),
		DefaultDS: defaultDS,
	}, store, didResolver, logger)

	replayStore := replay.New(store)
	signer := servicetoken.NewSigner(cfg.Instance.ServiceDID, kid, signingKey, jwt.SigningMethodES256)
	tokenVerifier := servicetoken.NewVerifier(cfg.Instance.ServiceDID, didResolver, replayStore, cfg.Federation.EnforceJTI, cfg.Federation.JTITTL())
	identityVerifier := userauth.New(cfg.Instance.ServiceDID, didResolver)

	peerLimiter := ratelimit.New(redisClient, "ds:peer")
	peerGate := peers.New(store, peerLimiter)

	outboundClient := outbound.NewClient(signer, didResolver, federationPolicy, logger)
	outboundQueue := outbound.NewQueue(store, outboundClient, logger, 7*24*time.Hour)

	uploadLimiter := ratelimit.New(redisClient, "ds:kp:upload")
	recoveryLimiter := ratelimit.New(redisClient, "ds:kp:recovery")
	keyPackages := keypackage.New(store, uploadLimiter, recoveryLimiter)

	realtimeTransport := &realtime.Transport{Log: events, Logger: logger}
	upstreamMux := upstream.New(signer, federationPolicy, logger)

	idempotencyCache := idempotency.New(store)

	federationHandler := &inbound.Handler{
		Store:       store,
		Registry:    conversations,
		Resolver:    dsResolver,
		Sequencer:   sequencerBinding,
		KeyPackages: keyPackages,
		Verifier:    tokenVerifier,
		Signer:      signer,
		Peers:       peerGate,
		Realtime:    realtimeTransport,
		SelfDID:     cfg.Instance.ServiceDID,
		Logger:      logger,
	}
	clientHandler := &api.Handler{
		Store:         store,
		Registry:      conversations,
		Resolver:      dsResolver,
		Sequencer:     sequencerBinding,
		KeyPackages:   keyPackages,
		Events:        events,
		Realtime:      realtimeTransport,
		Upstream:      upstreamMux,
		UserAuth:      identityVerifier,
		Idempotency:   idempotencyCache,
		OutboundQueue: outboundQueue,
		SelfDID:       cfg.Instance.ServiceDID,
		Logger:        logger,
	}

	root := chi.NewRouter()
	xrpc := chi.NewRouter()
	mountRoutes(xrpc, clientHandler.Router())
	mountRoutes(xrpc, federationHandler.Router())
	root.Mount("/xrpc", xrpc)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: root,
	}

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	go outboundQueue.RunWorker(workersCtx, 5*time.Second, 10)
	go outboundQueue.RunPurger(workersCtx, time.Hour)
	go idempotencyCache.RunSweeper(workersCtx, 10*time.Minute)
	go replayStore.RunSweeper(workersCtx, time.Minute)
	go conversations.RunIdleReaper(workersCtx, time.Minute)
	go runExpiredWelcomeSweep(workersCtx, keyPackages, logger)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTP.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancelWorkers()
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}
	cancelWorkers()
	conversations.ShutdownAll(shutdownCtx)
	upstreamMux.ShutdownAll()

	logger.Info("delivery service stopped")
	return nil
}

// mountRoutes copies every route registered on src onto dst, letting the
// client and federation XRPC surfaces — built as independent chi routers
// with disjoint NSID path sets — share one mount point under /xrpc.
func mountRoutes(dst chi.Router, src chi.Router) {
	chi.Walk(src, func(method, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		dst.Method(method, route, handler)
		return nil
	})
}

// runExpiredWelcomeSweep periodically reclaims key-package reservations
// whose fetched welcome was never confirmed past its grace window.
func runExpiredWelcomeSweep(ctx context.Context, svc *keypackage.Service, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ReleaseExpired(ctx)
			if err != nil {
				logger.Warn("welcome grace sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Info("released expired welcome reservations", slog.Int("count", n))
			}
		}
	}
}

// ensureSigningKey loads a PEM-encoded P-256 private key from path,
// generating and persisting one on first run.
func ensureSigningKey(path, kid string, logger *slog.Logger) (*ecdsa.PrivateKey, string, error) {
	if kid == "" {
		kid = "ds-key-1"
	}
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, "", fmt.Errorf("signing key %q is not valid PEM", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parsing signing key %q: %w", path, err)
		}
		return key, kid, nil
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("reading signing key %q: %w", path, err)
	}

	logger.Warn("no signing key found, generating a new one", slog.String("path", path))
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generating signing key: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling signing key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, "", fmt.Errorf("persisting signing key %q: %w", path, err)
	}
	return key, kid, nil
}

// runMigrate dispatches the migrate subcommand's up|down|status actions.
func runMigrate() error {
	logger := setupLogger("info", "json")
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) > 2 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		version, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("version: %d, dirty: %v\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (expected up, down, or status)", action)
	}
}

// setupLogger builds a structured logger from the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
