package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/catalog"
	"github.com/fjod/go_checkout/internal/config"
	"github.com/fjod/go_checkout/internal/coupon"
	"github.com/fjod/go_checkout/internal/gateway"
	h "github.com/fjod/go_checkout/internal/http"
	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/fjod/go_checkout/internal/publisher"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/internal/store"
	"github.com/fjod/go_checkout/internal/webhook"
	"github.com/fjod/go_checkout/pkg/logger"
	"github.com/fjod/go_checkout/pkg/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// stores groups the persistence backends selected by STORE_DRIVER.
type stores struct {
	carts    repository.CartRepository
	orders   repository.OrderRepository
	sessions repository.SessionRepository
	stock    repository.StockRepository
	flags    repository.ReconciliationRepository
	outbox   repository.OutboxRepository
	cache    cache.CartCache
	closers  []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	log.Info("checkout-api starting",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("payment_gateway", cfg.PaymentGateway),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "checkout-api", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open stores", zap.Error(err))
	}
	defer st.close()

	products, err := catalog.NewRepository(cfg.CatalogDBPath)
	if err != nil {
		log.Fatal("failed to open catalog", zap.Error(err))
	}
	defer products.Close()
	if err := products.RunMigrations(cfg.CatalogMigrationsPath); err != nil {
		log.Fatal("failed to run catalog migrations", zap.Error(err))
	}

	var gw gateway.Gateway
	switch cfg.PaymentGateway {
	case config.GatewayStripe:
		gw = gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, log)
	default:
		gw = gateway.NewFakeGateway(cfg.FakeCheckoutURL, cfg.StripeWebhookSecret)
	}

	engine := pricing.NewEngine(cfg.TaxRate)
	cartService := service.NewCartService(st.carts, st.cache, products, coupon.NewRuleResolver(coupon.DefaultRules()...), engine, log)
	checkoutService := service.NewCheckoutService(st.carts, st.stock, st.sessions, gw, engine, service.CheckoutConfig{
		Currency:   cfg.Currency,
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
	}, log)
	finalizer := service.NewFinalizer(st.sessions, st.orders, st.carts, st.flags, st.cache, engine, log)
	orderService := service.NewOrderService(st.orders, log)
	processor := webhook.NewProcessor(gw, finalizer, orderService, st.flags, log)

	router := h.NewRouter(h.Handlers{
		Cart:     h.NewCartHandler(cartService, cfg.RequestTimeout, log),
		Checkout: h.NewCheckoutHandler(checkoutService, cfg.RequestTimeout, log),
		Orders:   h.NewOrdersHandler(orderService, cfg.RequestTimeout, log),
		Webhook:  h.NewWebhookHandler(processor, log),
	}, cfg.RequestTimeout, log)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Admin gRPC: health and reflection for grpcurl
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("grpc admin server listening", zap.String("port", cfg.GRPCPort))
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcServer.Serve(lis)
	})

	if len(cfg.KafkaBrokers) > 0 {
		poller := publisher.NewOutboxPoller(st.outbox, log, cfg.KafkaBrokers...)
		defer poller.Close()
		g.Go(func() error {
			log.Info("outbox poller started", zap.Strings("brokers", cfg.KafkaBrokers))
			poller.Run(gctx)
			return nil
		})
	} else {
		log.Warn("KAFKA_BROKERS not set, outbox events are not published")
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down checkout-api")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("checkout-api stopped with error", zap.Error(err))
		return
	}
	log.Info("checkout-api stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		s := store.NewMemoryStore()
		log.Warn("using in-memory stores, data is lost on restart")
		return &stores{
			carts:    s,
			orders:   s,
			sessions: s,
			stock:    s,
			flags:    s,
			outbox:   s,
			cache:    cache.Nop{},
			closers:  []func(){func() { s.Close() }},
		}, nil
	}

	st := &stores{}
	ok := false
	defer func() {
		if !ok {
			st.close()
		}
	}()

	creds := &repository.Credentials{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		User:              cfg.Database.User,
		Password:          cfg.Database.Password,
		DBName:            cfg.Database.Name,
		MigrationsDirPath: cfg.Database.MigrationsPath,
	}
	pg, err := repository.NewPostgresRepository(creds)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	st.closers = append(st.closers, func() { pg.Close() })
	if err := pg.RunMigrations(creds); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations completed")

	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	st.closers = append(st.closers, func() { mongoDB.Client().Disconnect(context.Background()) })
	carts := repository.NewMongoCartRepository(mongoDB)
	if err := carts.CreateIndexes(ctx); err != nil {
		return nil, err
	}
	log.Info("connected to mongodb", zap.String("db", cfg.MongoDBName))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	st.closers = append(st.closers, func() { redisClient.Close() })
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis ping succeeded", zap.String("addr", cfg.RedisAddr))

	st.carts = carts
	st.orders = pg
	st.sessions = pg
	st.stock = pg
	st.flags = pg
	st.outbox = pg
	st.cache = cache.NewRedisCache(redisClient)
	ok = true
	return st, nil
}
