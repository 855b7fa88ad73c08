package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictmarket/internal/chain"
	"predictmarket/internal/config"
	cronrunner "predictmarket/internal/cron"
	"predictmarket/internal/db"
	"predictmarket/internal/engine"
	"predictmarket/internal/handler"
	"predictmarket/internal/logger"
	"predictmarket/internal/metatx"
	"predictmarket/internal/nonce"
	"predictmarket/internal/proxy"
	"predictmarket/internal/relayer"
	gormrepository "predictmarket/internal/repository/gorm"
	"predictmarket/internal/ws"
)

func main() {
	cfgPath := os.Getenv("PM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("PM_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	nonceStore := &nonce.Store{Repo: store}

	// The execution layer is optional for local development: without an RPC
	// endpoint and a funded relayer key the book and REST surface run,
	// relaying does not.
	var chainClient chain.Client
	if strings.TrimSpace(cfg.Chain.RPCURL) != "" && strings.TrimSpace(cfg.Chain.RelayerKey) != "" {
		ethClient, err := chain.Dial(cfg.Chain, logger)
		if err != nil {
			logger.Fatal("chain dial failed", zap.Error(err))
		}
		chainClient = ethClient
		logger.Info("execution layer connected",
			zap.Int64("chain_id", cfg.Chain.ChainID),
			zap.String("relayer", ethClient.RelayerAddress().Hex()),
		)
	} else {
		logger.Warn("chain rpc url or relayer key not set; relaying disabled")
	}

	hub := ws.NewHub(store, logger, cfg.Matching.BroadcastLevels)
	marketHandler := &handler.MarketHandler{Repo: store, DepthTTL: cfg.Matching.DepthTTL}
	matcher := &engine.Matcher{
		Repo:      store,
		Logger:    logger,
		Broadcast: engine.BroadcastGroup{hub, marketHandler},
		Tolerance: decimal.NewFromFloat(cfg.Matching.PriceTolerance),
	}
	stopMonitor := &engine.StopMonitor{Repo: store, Matcher: matcher, Logger: logger}

	domain := metatx.SigningDomain{
		ChainID:           cfg.Chain.ChainID,
		VerifyingContract: common.HexToAddress(cfg.Chain.Exchange),
	}

	var directory *proxy.Directory
	var queue *relayer.Queue
	var builder *metatx.Builder
	if chainClient != nil {
		directory = &proxy.Directory{
			Chain:            chainClient,
			Logger:           logger,
			Factory:          common.HexToAddress(cfg.Chain.ProxyFactory),
			Impl:             common.HexToAddress(cfg.Chain.ProxyImpl),
			StaleAfterBlocks: cfg.Proxy.StaleAfterBlocks,
		}
		queue = relayer.NewQueue(chainClient, directory, logger, relayer.Options{
			ProcessInterval: cfg.Relayer.ProcessInterval,
			InterTxDelay:    cfg.Relayer.InterTxDelay,
			RateLimitCount:  cfg.Relayer.RateLimitCount,
			RateLimitWindow: cfg.Relayer.RateLimitWindow,
			RetentionCap:    cfg.Relayer.RetentionCap,
			ConfirmTimeout:  cfg.Relayer.ConfirmTimeout,
			MinBalanceWei:   parseBigInt(cfg.Relayer.MinBalanceWei),
		})
		builder = &metatx.Builder{
			Chain:        chainClient,
			Nonces:       directory,
			Domain:       domain,
			Allowlist:    buildAllowlist(cfg.Chain),
			MaxBatchSize: cfg.MetaTx.MaxBatchSize,
			GasCap:       cfg.MetaTx.GasCap,
			ValueCap:     parseBigInt(cfg.MetaTx.ValueCapWei),
		}
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(router)
	orderHandler := &handler.OrderHandler{
		Repo:    store,
		Matcher: matcher,
		Nonces:  nonceStore,
		Domain:  domain,
		Logger:  logger,
	}
	orderHandler.Register(router)
	marketHandler.Register(router)
	positionHandler := &handler.PositionHandler{Repo: store}
	positionHandler.Register(router)
	proxyHandler := &handler.ProxyHandler{Directory: directory, Queue: queue, Builder: builder}
	proxyHandler.Register(router)
	wsHandler := &handler.WSHandler{Hub: hub, Logger: logger}
	wsHandler.Register(router)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if queue != nil {
		go func() {
			if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("relayer queue stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, ctx)

		_, err = cronRunner.Add(cfg.Matching.StopScan, func(ctx context.Context) {
			if err := stopMonitor.Scan(ctx); err != nil {
				logger.Warn("stop order scan failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register stop scan failed", zap.Error(err))
		}

		if queue != nil {
			_, err = cronRunner.Add(cfg.Relayer.BalancePoll, func(ctx context.Context) {
				if err := queue.CheckBalance(ctx); err != nil {
					logger.Warn("relayer balance check failed", zap.Error(err))
				}
			})
			if err != nil {
				logger.Warn("cron register balance poll failed", zap.Error(err))
			}
		}

		cronRunner.Start()
		defer cronRunner.Stop()
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildAllowlist(cfg config.ChainConfig) map[common.Address]bool {
	allow := map[common.Address]bool{}
	for _, raw := range []string{cfg.Exchange, cfg.Conditional, cfg.Collateral} {
		if common.IsHexAddress(raw) {
			allow[common.HexToAddress(raw)] = true
		}
	}
	return allow
}

func parseBigInt(raw string) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil
	}
	return v
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
