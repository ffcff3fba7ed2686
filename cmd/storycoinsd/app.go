package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/internal/catalog"
	"github.com/MarkoPoloResearchLab/storycoins/internal/config"
	"github.com/MarkoPoloResearchLab/storycoins/internal/database"
	"github.com/MarkoPoloResearchLab/storycoins/internal/events"
	"github.com/MarkoPoloResearchLab/storycoins/internal/gateway/midtrans"
	"github.com/MarkoPoloResearchLab/storycoins/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/storycoins/internal/httpapi"
	"github.com/MarkoPoloResearchLab/storycoins/internal/logging"
	"github.com/MarkoPoloResearchLab/storycoins/internal/metrics"
	"github.com/MarkoPoloResearchLab/storycoins/internal/reconciler"
	"github.com/MarkoPoloResearchLab/storycoins/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storycoins/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"go.uber.org/zap"
)

// application holds everything serve and refund share.
type application struct {
	logger     *zap.Logger
	connection *database.Connection
	catalog    *catalog.Catalog
	metrics    *metrics.Metrics
	publisher  *events.Publisher
	service    *coins.Service
	queries    *coins.Queries
	closers    []func() error
}

func (app *application) Close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			app.logger.Warn("close", zap.Error(err))
		}
	}
	_ = app.logger.Sync()
}

func buildRuntime(ctx context.Context, cfg config.Config) (*application, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	app := &application{logger: logger}

	connection, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app.connection = connection
	app.closers = append(app.closers, connection.Close)
	if err := connection.Migrate(schemaModels()...); err != nil {
		app.Close()
		return nil, err
	}

	store, err := openStore(ctx, cfg, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	chapters, err := catalog.New(connection.DB, catalog.DefaultPackages()...)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("catalog init: %w", err)
	}
	app.catalog = chapters
	app.metrics = metrics.New()

	gatewayClient, err := midtrans.New(cfg.MidtransConfig())
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("gateway init: %w", err)
	}
	orderRefs, err := midtrans.NewOrderRefGenerator(cfg.OrderRefNode)
	if err != nil {
		app.Close()
		return nil, err
	}

	publisher, err := events.New(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger.Named("events"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("events init: %w", err)
	}
	app.publisher = publisher
	app.closers = append(app.closers, publisher.Close)

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := coins.NewService(store, chapters, app.metrics.InstrumentGateway(gatewayClient), clock,
		coins.WithOperationLogger(coins.OperationLoggers{logging.NewOperationLogger(logger), app.metrics}),
		coins.WithEventPublisher(publisher),
		coins.WithOrderRefGenerator(orderRefs.Next),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("coin service init: %w", err)
	}
	app.service = service

	queries, err := coins.NewQueries(store, chapters)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("coin queries init: %w", err)
	}
	app.queries = queries
	return app, nil
}

func openStore(ctx context.Context, cfg config.Config, app *application) (coins.Store, error) {
	if cfg.StoreDriver != config.StoreDriverPgx {
		return gormstore.New(app.connection.DB), nil
	}
	pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() error {
		pool.Close()
		return nil
	})
	return pgstore.New(pool), nil
}

func schemaModels() []any {
	return append(gormstore.Models(), catalog.Models()...)
}

func runServe(ctx context.Context, cfg config.Config) error {
	app, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	router, err := httpapi.NewRouter(httpapi.Config{
		ListenAddr:        cfg.HTTPListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		RequestTimeout:    cfg.RequestTimeout,
	}, httpapi.Dependencies{
		Service:  app.service,
		Queries:  app.queries,
		Packages: app.catalog,
		Metrics:  app.metrics.Handler(),
		Logger:   app.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	intentReconciler, err := reconciler.New(app.service, cfg.ReconcilerConfig(), app.logger.Named("reconciler"))
	if err != nil {
		return err
	}
	defer intentReconciler.Close()

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	healthServer := grpcserver.New(app.connection, 0, app.logger.Named("grpc"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpapi.Run(ctx, httpapi.Config{ListenAddr: cfg.HTTPListenAddr}, router, app.logger)
	}()
	go func() {
		errCh <- healthServer.Serve(ctx, listener)
	}()
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		intentReconciler.Run(ctx)
	}()

	app.logger.Info("storycoinsd started",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("database_driver", string(app.connection.Target.Driver)),
		zap.Bool("events_enabled", app.publisher.Enabled()),
	)

	var firstErr error
	for remaining := 2; remaining > 0; remaining-- {
		if serveErr := <-errCh; serveErr != nil && firstErr == nil {
			firstErr = serveErr
			cancel()
		}
	}
	cancel()
	<-reconcilerDone
	app.logger.Info("shutdown complete")
	return firstErr
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	connection, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer connection.Close()
	return connection.Migrate(schemaModels()...)
}

type refundRequest struct {
	AccountID      string
	Coins          int64
	IdempotencyKey string
	Note           string
}

var errRefundInput = errors.New("refund: invalid input")

func runRefund(ctx context.Context, cfg config.Config, request refundRequest, out io.Writer) error {
	accountID, err := coins.NewAccountID(request.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %v", errRefundInput, err)
	}
	amount, err := coins.NewCoinAmount(request.Coins)
	if err != nil {
		return fmt.Errorf("%w: %v", errRefundInput, err)
	}
	key, err := coins.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errRefundInput, err)
	}
	metadata := coins.MetadataFromMap(map[string]string{"source": "cli", "note": request.Note})

	app, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.service.CreditRefund(ctx, accountID, amount, key, metadata)
	if err != nil {
		return err
	}
	balance, err := app.queries.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	state := "credited"
	if result.AlreadyApplied {
		state = "already applied"
	}
	_, err = fmt.Fprintf(out, "refund %s: %s %d coins to %s, balance %d\n", key.String(), state, amount.Int64(), accountID.String(), balance.Int64())
	return err
}
