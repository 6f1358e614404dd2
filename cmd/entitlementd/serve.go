package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	entitlegin "github.com/PaulFidika/entitlekit/adapters/gin"
	entitlehttp "github.com/PaulFidika/entitlekit/adapters/http"
	"github.com/PaulFidika/entitlekit/config"
	"github.com/PaulFidika/entitlekit/core"
	"github.com/PaulFidika/entitlekit/entitlements"
	jwtkit "github.com/PaulFidika/entitlekit/jwt"
	"github.com/PaulFidika/entitlekit/provider"
	"github.com/PaulFidika/entitlekit/provider/appstore"
	"github.com/PaulFidika/entitlekit/remotesync"
	"github.com/PaulFidika/entitlekit/remotesync/riverjobs"
	memorystore "github.com/PaulFidika/entitlekit/storage/memory"
	pgstore "github.com/PaulFidika/entitlekit/storage/postgres"
	redisstore "github.com/PaulFidika/entitlekit/storage/redis"
	remotestore "github.com/PaulFidika/entitlekit/storage/remote"
	tokenkit "github.com/PaulFidika/entitlekit/token"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the entitlement HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log, err := cfg.NewLogger()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, log)
	},
}

// noSnapshot stands in when the App Store Server API is not configured; the
// override and notification paths still work.
type noSnapshot struct{}

func (noSnapshot) CurrentEntitlements(context.Context) ([]entitlements.PurchaseRecord, error) {
	return nil, nil
}

func runServer(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{"version": Version, "env": cfg.Env}).Info("starting entitlementd")

	if len(cfg.RootCertPaths) == 0 {
		log.Warn("APPSTORE_ROOT_CERTS not set; every purchase record will be rejected")
	}
	roots, err := verifykit.LoadRoots(cfg.RootCertPaths...)
	if err != nil {
		return err
	}
	verifier := verifykit.NewJWSVerifier(roots, verifykit.WithBundleID(cfg.BundleID), verifykit.WithLeafOID(verifykit.AppleLeafOID))

	signer, err := jwtkit.NewAutoSigner(cfg.BundleID, cfg.AppStoreKeysPath)
	if err != nil {
		return err
	}
	var api *appstore.Client
	if signer != nil {
		var opts []appstore.ClientOpt
		if cfg.AppStoreSandbox {
			opts = append(opts, appstore.WithBaseURL(appstore.SandboxURL))
		}
		api = appstore.NewClient(signer, opts...)
	} else {
		log.Warn("App Store API key not found; snapshot reads disabled")
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if pool, err = pgxpool.New(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
	}
	var rd *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rd = redis.NewClient(opts)
		defer rd.Close()
	}

	store, transitions, index, err := buildStore(cfg, pool, rd, log)
	if err != nil {
		return err
	}

	syncer := remotesync.New(store, remotesync.WithTimeout(cfg.SyncTimeout), remotesync.WithLogger(log))
	var dispatcher remotesync.Dispatcher = syncer
	if cfg.SyncMode == "river" {
		client, err := riverjobs.NewClient(pool, syncer, cfg.SyncTimeout, 10)
		if err != nil {
			return err
		}
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start river: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = client.Stop(stopCtx)
		}()
		dispatcher = riverjobs.NewDispatcher(client, log)
	}
	defer syncer.Wait()

	notifications := appstore.NewNotifications(verifier, cfg.NotificationQueueSize, log)
	router := appstore.NewRouter(notifications, verifier, log, appstore.WithIndex(index))
	go router.Run(ctx)

	deriver := tokenkit.NewDeriver(cfg.TokenNamespace)
	reg := core.NewRegistry(func(accountID string) (*core.Service, error) {
		token, err := deriver.Derive(accountID)
		if err != nil {
			return nil, err
		}
		var snap provider.SnapshotReader = noSnapshot{}
		inbox := router.Inbox(token.String())
		if api != nil {
			s := appstore.NewSnapshot(api).UseIndex(index, token.String())
			inbox.OnRecord(func(rec entitlements.PurchaseRecord) { s.Track(rec.OriginalTransactionID) })
			snap = s
		}
		return core.New(core.Config{ProductIDs: cfg.ProductIDs, TokenNamespace: cfg.TokenNamespace}, core.Deps{
			Snapshot:    snap,
			Updates:     inbox,
			Verifier:    verifier,
			Store:       store,
			Dispatcher:  dispatcher,
			Transitions: transitions,
			Logger:      log.WithField("account_id", accountID),
		})
	}, log)
	defer reg.Close()

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.CheckSchedule, func() {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		reg.Sweep(cfg.SessionIdle)
		reg.CheckAll(checkCtx)
	}); err != nil {
		return fmt.Errorf("ENTITLEKIT_CHECK_SCHEDULE: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	entitlegin.Register(engine, reg, entitlegin.Options{
		Account:       &entitlegin.AccountConfig{Header: cfg.AccountHeader},
		Limiter:       entitlehttp.NewLimiter(rd),
		Notifications: notifications,
	})
	engine.GET("/v1/entitlement", gin.WrapH(entitlehttp.EntitlementHandler(reg, cfg.AccountHeader)))
	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	servers := []*http.Server{
		{Addr: cfg.HTTPAddr, Handler: engine, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second},
	}
	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
		log.WithError(err).Error("server failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	log.Info("entitlementd stopped")
	return err
}

// buildStore picks Postgres, then the REST store, then memory, and fronts
// the result with the Redis override cache when Redis is configured. The
// transaction index is durable only with Postgres.
func buildStore(cfg *config.Config, pool *pgxpool.Pool, rd *redis.Client, log logrus.FieldLogger) (entitlements.Store, core.TransitionLogger, appstore.TransactionIndex, error) {
	var (
		store       entitlements.Store
		transitions core.TransitionLogger
		index       appstore.TransactionIndex
	)
	switch {
	case pool != nil:
		pg := pgstore.NewStore(pool)
		store, transitions, index = pg, pg, pg
	case cfg.RemoteStoreURL != "":
		rs, err := remotestore.New(remotestore.Config{
			BaseURL:      cfg.RemoteStoreURL,
			TokenURL:     cfg.RemoteTokenURL,
			ClientID:     cfg.RemoteClientID,
			ClientSecret: cfg.RemoteClientSecret,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		store = rs
		index = memorystore.New()
		log.Warn("transaction index is in memory; restarts forget unrouted subscriptions")
	default:
		if cfg.Production {
			return nil, nil, nil, errors.New("no remote store configured: set DATABASE_URL or ENTITLEKIT_REMOTE_URL")
		}
		log.Warn("no remote store configured; using in-memory store")
		mem := memorystore.New()
		store, index = mem, mem
	}
	if rd != nil {
		store = redisstore.NewOverrideCache(store, rd, "entitlekit:override:", cfg.OverrideCacheTTL, redisstore.WithLogger(log))
	}
	return store, transitions, index, nil
}
