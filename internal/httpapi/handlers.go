package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	defaultTopUpLimit   = 20
)

type httpHandler struct {
	service  CoinService
	queries  CoinQueries
	packages PackageCatalog
	logger   *zap.Logger
	timeout  time.Duration
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.service.OpenAccount(requestCtx, getAccountID(ctx))
	if err != nil {
		handler.respondError(ctx, "open account", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountPayload{
		AccountID:      account.AccountID.String(),
		Balance:        account.Balance.Int64(),
		CreatedUnixUTC: account.CreatedUnixUTC,
	}})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	accountID := getAccountID(ctx)
	balance, err := handler.queries.Balance(requestCtx, accountID)
	if errors.Is(err, coins.ErrUnknownAccount) {
		account, openErr := handler.service.OpenAccount(requestCtx, accountID)
		balance, err = account.Balance, openErr
	}
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": gin.H{
		"account_id": accountID.String(),
		"balance":    balance.Int64(),
	}})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	packages := handler.packages.Packages()
	payload := make([]packagePayload, 0, len(packages))
	for _, coinPackage := range packages {
		payload = append(payload, toPackagePayload(coinPackage))
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (handler *httpHandler) handleStartTopUp(ctx *gin.Context) {
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with package_id"))
		return
	}
	coinPackage, err := handler.packages.Package(request.PackageID)
	if err != nil {
		handler.respondError(ctx, "start topup", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	accountID := getAccountID(ctx)
	if _, err := handler.service.OpenAccount(requestCtx, accountID); err != nil {
		handler.respondError(ctx, "start topup", err)
		return
	}
	claims := getClaims(ctx)
	checkout, err := handler.service.StartTopUp(requestCtx, accountID, coinPackage, coins.Customer{
		Name:  claims.GetUserDisplayName(),
		Email: claims.GetUserEmail(),
	})
	if err != nil {
		handler.respondError(ctx, "start topup", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"checkout": checkoutPayload{
		OrderRef:    checkout.OrderRef.String(),
		Token:       checkout.Token,
		RedirectURL: checkout.RedirectURL,
		ClientKey:   checkout.ClientKey,
		Package:     toPackagePayload(coinPackage),
	}})
}

func (handler *httpHandler) handleTopUps(ctx *gin.Context) {
	limit, ok := parseLimit(ctx, defaultTopUpLimit)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	intents, err := handler.queries.TopUpHistory(requestCtx, getAccountID(ctx), limit)
	if err != nil && !errors.Is(err, coins.ErrUnknownAccount) {
		handler.respondError(ctx, "topup history", err)
		return
	}
	payload := make([]intentPayload, 0, len(intents))
	for _, intent := range intents {
		payload = append(payload, toIntentPayload(intent))
	}
	ctx.JSON(http.StatusOK, gin.H{"topups": payload})
}

func (handler *httpHandler) handleRefreshTopUp(ctx *gin.Context) {
	orderRef, err := coins.NewOrderRef(ctx.Param("order_ref"))
	if err != nil {
		handler.respondError(ctx, "refresh topup", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	intent, err := handler.service.RefreshIntent(requestCtx, orderRef)
	if err == nil && intent.AccountID != getAccountID(ctx) {
		err = coins.ErrUnknownIntent
	}
	if err != nil {
		handler.respondError(ctx, "refresh topup", err)
		return
	}
	handler.respondWithIntent(ctx, requestCtx, intent)
}

func (handler *httpHandler) handlePurchaseChapter(ctx *gin.Context) {
	chapterID, err := coins.NewChapterID(ctx.Param("chapter_id"))
	if err != nil {
		handler.respondError(ctx, "purchase chapter", err)
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	var storyID coins.StoryID
	if request.StoryID != "" {
		storyID, err = coins.NewStoryID(request.StoryID)
		if err != nil {
			handler.respondError(ctx, "purchase chapter", err)
			return
		}
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	accountID := getAccountID(ctx)
	if _, err := handler.service.OpenAccount(requestCtx, accountID); err != nil {
		handler.respondError(ctx, "purchase chapter", err)
		return
	}
	result, err := handler.service.PurchaseChapter(requestCtx, accountID, chapterID, storyID)
	if err != nil {
		handler.respondError(ctx, "purchase chapter", err)
		return
	}
	status := "unlocked"
	switch {
	case result.Free:
		status = "free"
	case result.AlreadyOwned:
		status = "already_owned"
	}
	balance := result.Balance.Int64()
	if result.Free || result.AlreadyOwned {
		current, err := handler.queries.Balance(requestCtx, accountID)
		if err != nil {
			handler.respondError(ctx, "purchase chapter", err)
			return
		}
		balance = current.Int64()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":     status,
		"chapter_id": chapterID.String(),
		"story_id":   result.Chapter.StoryID.String(),
		"price_paid": result.Entitlement.PricePaid.Int64(),
		"balance":    balance,
	})
}

func (handler *httpHandler) handleChapterAccess(ctx *gin.Context) {
	chapterID, err := coins.NewChapterID(ctx.Param("chapter_id"))
	if err != nil {
		handler.respondError(ctx, "chapter access", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	unlocked, chapter, err := handler.queries.IsChapterUnlocked(requestCtx, getAccountID(ctx), chapterID)
	if err != nil {
		handler.respondError(ctx, "chapter access", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"chapter_id": chapterID.String(),
		"story_id":   chapter.StoryID.String(),
		"premium":    chapter.Premium,
		"price":      int64(chapter.Price),
		"unlocked":   unlocked,
	})
}

func (handler *httpHandler) handleUnlockedChapters(ctx *gin.Context) {
	storyID, err := coins.NewStoryID(ctx.Param("story_id"))
	if err != nil {
		handler.respondError(ctx, "unlocked chapters", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	chapterIDs, err := handler.queries.UnlockedChapters(requestCtx, getAccountID(ctx), storyID)
	if err != nil {
		handler.respondError(ctx, "unlocked chapters", err)
		return
	}
	chapters := make([]string, 0, len(chapterIDs))
	for _, chapterID := range chapterIDs {
		chapters = append(chapters, chapterID.String())
	}
	ctx.JSON(http.StatusOK, gin.H{"story_id": storyID.String(), "chapter_ids": chapters})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	limit, ok := parseLimit(ctx, defaultHistoryLimit)
	if !ok {
		return
	}
	var cursor coins.EventCursor
	if rawBefore := ctx.Query("before_unix_utc"); rawBefore != "" {
		beforeUnix, err := strconv.ParseInt(rawBefore, 10, 64)
		if err != nil || beforeUnix <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cursor", "before_unix_utc must be a positive integer"))
			return
		}
		cursor = coins.EventCursor{BeforeUnixUTC: beforeUnix, BeforeEventID: ctx.Query("before_event_id")}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	page, err := handler.queries.TransactionHistory(requestCtx, getAccountID(ctx), cursor, limit)
	if err != nil && !errors.Is(err, coins.ErrUnknownAccount) {
		handler.respondError(ctx, "transaction history", err)
		return
	}
	entries := make([]eventPayload, 0, len(page.Events))
	for _, event := range page.Events {
		entries = append(entries, toEventPayload(event))
	}
	response := gin.H{"entries": entries, "has_more": page.HasMore}
	if page.HasMore {
		response["next_cursor"] = gin.H{
			"before_unix_utc": page.NextCursor.BeforeUnixUTC,
			"before_event_id": page.NextCursor.BeforeEventID,
		}
	}
	ctx.JSON(http.StatusOK, response)
}

// handleWebhook applies a signed gateway notification. The gateway retries anything but 2xx.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	rawPayload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	intent, err := handler.service.HandleCallback(requestCtx, rawPayload)
	if err != nil {
		handler.respondError(ctx, "gateway webhook", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order_ref": intent.OrderRef.String(), "status": intent.Status.String()})
}

// handleFinish is the payment-link return path; it polls the gateway instead of trusting query parameters.
func (handler *httpHandler) handleFinish(ctx *gin.Context) {
	orderRef, err := coins.NewOrderRef(ctx.Query("order_id"))
	if err != nil {
		handler.respondError(ctx, "payment finish", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	intent, err := handler.service.RefreshIntent(requestCtx, orderRef)
	if err != nil && !errors.Is(err, coins.ErrGatewayUnavailable) {
		handler.respondError(ctx, "payment finish", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order_ref": orderRef.String(), "status": intent.Status.String()})
}

func (handler *httpHandler) respondWithIntent(ctx *gin.Context, requestCtx context.Context, intent coins.PaymentIntent) {
	response := gin.H{"topup": toIntentPayload(intent)}
	if intent.Status == coins.IntentStatusSettled {
		balance, err := handler.queries.Balance(requestCtx, intent.AccountID)
		if err != nil {
			handler.respondError(ctx, "refresh topup", err)
			return
		}
		response["balance"] = balance.Int64()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
	} else {
		handler.logger.Debug(operation+" refused", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func parseLimit(ctx *gin.Context, fallback int) (int, bool) {
	raw := ctx.Query("limit")
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
		return 0, false
	}
	return limit, true
}
