// Package httpapi exposes the coin service over HTTP behind TAuth session cookies.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey  = "auth_claims"
	accountContextKey = "account_id"

	defaultRequestTimeout = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
	maxWebhookBytes       = 64 << 10
)

// Config carries the HTTP listener and session settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration
}

// CoinService is the write side used by the handlers.
type CoinService interface {
	OpenAccount(ctx context.Context, accountID coins.AccountID) (coins.Account, error)
	StartTopUp(ctx context.Context, accountID coins.AccountID, coinPackage coins.CoinPackage, customer coins.Customer) (coins.Checkout, error)
	HandleCallback(ctx context.Context, rawPayload []byte) (coins.PaymentIntent, error)
	RefreshIntent(ctx context.Context, orderRef coins.OrderRef) (coins.PaymentIntent, error)
	PurchaseChapter(ctx context.Context, accountID coins.AccountID, chapterID coins.ChapterID, storyID coins.StoryID) (coins.PurchaseResult, error)
}

// CoinQueries is the read side used by the handlers.
type CoinQueries interface {
	Balance(ctx context.Context, accountID coins.AccountID) (coins.CoinBalance, error)
	IsChapterUnlocked(ctx context.Context, accountID coins.AccountID, chapterID coins.ChapterID) (bool, coins.Chapter, error)
	UnlockedChapters(ctx context.Context, accountID coins.AccountID, storyID coins.StoryID) ([]coins.ChapterID, error)
	TransactionHistory(ctx context.Context, accountID coins.AccountID, cursor coins.EventCursor, limit int) (coins.HistoryPage, error)
	TopUpHistory(ctx context.Context, accountID coins.AccountID, limit int) ([]coins.PaymentIntent, error)
}

// PackageCatalog lists the purchasable coin packages.
type PackageCatalog interface {
	Package(packageID string) (coins.CoinPackage, error)
	Packages() []coins.CoinPackage
}

// Dependencies wires the handlers to the domain.
type Dependencies struct {
	Service  CoinService
	Queries  CoinQueries
	Packages PackageCatalog
	Metrics  http.Handler
	Logger   *zap.Logger
}

// NewRouter builds the gin engine with session validation on the /api group.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Service == nil || deps.Queries == nil || deps.Packages == nil {
		return nil, fmt.Errorf("httpapi: service, queries and packages are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		service:  deps.Service,
		queries:  deps.Queries,
		packages: deps.Packages,
		logger:   deps.Logger,
		timeout:  cfg.RequestTimeout,
	}
	return setupRouter(cfg, handler, validator, deps.Metrics), nil
}

// Run serves router on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
	router.POST("/webhooks/midtrans", handler.handleWebhook)
	router.GET("/payments/finish", handler.handleFinish)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.Use(requireAccount)

	api.POST("/account", handler.handleOpenAccount)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/packages", handler.handlePackages)
	api.POST("/topups", handler.handleStartTopUp)
	api.GET("/topups", handler.handleTopUps)
	api.POST("/topups/:order_ref/refresh", handler.handleRefreshTopUp)
	api.POST("/chapters/:chapter_id/purchase", handler.handlePurchaseChapter)
	api.GET("/chapters/:chapter_id/access", handler.handleChapterAccess)
	api.GET("/stories/:story_id/unlocked", handler.handleUnlockedChapters)
	api.GET("/transactions", handler.handleTransactions)

	return router
}

// requireAccount resolves the session user into an account id.
func requireAccount(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	accountID, err := coins.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return
	}
	ctx.Set(accountContextKey, accountID)
	ctx.Next()
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func getAccountID(ctx *gin.Context) coins.AccountID {
	value, _ := ctx.Get(accountContextKey)
	accountID, _ := value.(coins.AccountID)
	return accountID
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
