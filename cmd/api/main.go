package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-live/backend/internal/config"
	"github.com/zhouzirui/z-live/backend/internal/handler"
	"github.com/zhouzirui/z-live/backend/internal/model/identity"
	"github.com/zhouzirui/z-live/backend/internal/service/access"
	"github.com/zhouzirui/z-live/backend/internal/service/billing"
	"github.com/zhouzirui/z-live/backend/internal/service/channel"
	"github.com/zhouzirui/z-live/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-live/backend/internal/service/presence"
	"github.com/zhouzirui/z-live/backend/internal/service/privatechat"
	"github.com/zhouzirui/z-live/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-live/backend/internal/service/wallet"
	"github.com/zhouzirui/z-live/backend/internal/store"
	"github.com/zhouzirui/z-live/backend/internal/store/memory"
	"github.com/zhouzirui/z-live/backend/internal/store/sqlstore"
	"github.com/zhouzirui/z-live/backend/internal/transport/pubsub"
	"github.com/zhouzirui/z-live/backend/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if envErr != nil {
		log.Debug("no .env file loaded, using system environment only", "err", envErr)
	}
	if cfg.Auth.UsingDevSecret() {
		log.Warn("SESSION_SECRET 未配置，使用开发密钥签发凭证")
	}
	if cfg.Auth.InternalSecret == "" {
		log.Warn("INTERNAL_SECRET 未配置，直播状态回调不可用")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("storage ready", "driver", cfg.Storage.Driver)

	broker := pubsub.NewBroker()

	// 身份、钱包与直播状态在开发环境使用内存实现
	var users []identity.User
	var streams []lifecycle.Stream
	if cfg.Storage.SeedDemo {
		users = identity.Seed()
		streams = lifecycle.Seed()
	}
	directory := identity.NewMemoryDirectory(users)
	streamStatus := lifecycle.NewMemoryLifecycle(broker, streams)
	gateway := wallet.NewMemoryGateway(cfg.Wallet.CreatorShare)
	if cfg.Storage.SeedDemo {
		for _, u := range users {
			if u.Role == identity.RoleViewer {
				gateway.SetBalance(u.ID, cfg.Wallet.SeedBalance)
			}
		}
	}

	limiter := ratelimit.New(ratelimit.Options{
		Limit:       cfg.Chat.RateLimit,
		Window:      cfg.Chat.RateWindow,
		MinInterval: cfg.Chat.Debounce,
	})
	node, err := snowflake.NewNode(cfg.Chat.SnowflakeNode)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}
	tracker := presence.NewTracker()

	authority, err := access.New(access.Options{
		Directory:  directory,
		Wallet:     gateway,
		Lifecycle:  streamStatus,
		Sessions:   st,
		Secret:     []byte(cfg.Auth.SessionSecret),
		TTL:        cfg.Auth.SessionTTL,
		MinBalance: cfg.Chat.MinBalance,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	pipeline, err := channel.New(channel.Options{
		Store:     st,
		Broker:    broker,
		Limiter:   limiter,
		Node:      node,
		Directory: directory,
		Lifecycle: streamStatus,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	private, err := privatechat.New(privatechat.Options{
		Store:      st,
		Directory:  directory,
		Broker:     broker,
		Limiter:    limiter,
		RequestTTL: cfg.PrivateChat.RequestTTL,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	biller, err := billing.NewBiller(billing.Options{
		Ticks:      st,
		Wallet:     gateway,
		Lifecycle:  streamStatus,
		Presence:   tracker,
		Rate:       cfg.Billing.TokensPerWindow,
		Window:     cfg.Billing.Window,
		LowBalance: cfg.Billing.LowBalanceThreshold,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	meter := billing.NewMeter(biller, billing.MeterOptions{Watcher: gateway, Logger: log})

	go private.RunSweeper(ctx, cfg.PrivateChat.SweepInterval)
	go sweepLimiter(ctx, limiter, cfg.Chat.RateWindow)

	router := handler.NewRouter(handler.Dependencies{
		Authority:      authority,
		Pipeline:       pipeline,
		PrivateChat:    private,
		Biller:         biller,
		Meter:          meter,
		Presence:       tracker,
		Quality:        channel.NewQualityTracker(channel.QualityOptions{}),
		Lifecycle:      streamStatus,
		Broker:         broker,
		Wallet:         gateway,
		LowBalance:     cfg.Billing.LowBalanceThreshold,
		InternalSecret: cfg.Auth.InternalSecret,
		Logger:         log,
	})

	return startServer(ctx, cfg.Server, router, log)
}

// openStore 按配置选择内存或 SQLite 存储
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite3":
		return sqlstore.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// sweepLimiter 定期清理空闲的限流记录
func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *logger.Logger) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("Z Live backend listening", "addr", addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
