package coins

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Service orchestrates top-ups and chapter purchases. It is the only component
// that drives both the ledger and the entitlement store for one logical purchase.
type Service struct {
	store       Store
	catalog     ChapterCatalog
	gateway     PaymentGateway
	nowFn       func() int64
	newID       func() string
	newOrderRef func(coinPackage CoinPackage) (OrderRef, error)
	logger      OperationLogger
	publisher   EventPublisher
}

// NewService wires a Service.
func NewService(store Store, catalog ChapterCatalog, gateway PaymentGateway, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		catalog:     catalog,
		gateway:     gateway,
		nowFn:       now,
		newID:       uuid.NewString,
		newOrderRef: defaultOrderRef,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenAccount creates the account for accountID if missing and returns it.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID) (Account, error) {
	operationError := service.store.CreateAccount(ctx, accountID, service.nowFn())
	var account Account
	if operationError == nil {
		account, operationError = service.store.GetAccount(ctx, accountID)
	}
	service.logOperation(ctx, OperationLog{
		Operation: OperationOpenAccount,
		AccountID: accountID,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// StartTopUp records a pending intent and opens a gateway checkout for it.
// A rejected checkout fails the intent; an unavailable gateway leaves it pending for reconciliation.
func (service *Service) StartTopUp(ctx context.Context, accountID AccountID, coinPackage CoinPackage, customer Customer) (Checkout, error) {
	checkout, operationError := service.startTopUp(ctx, accountID, coinPackage, customer)
	service.logOperation(ctx, OperationLog{
		Operation: OperationStartTopUp,
		AccountID: accountID,
		OrderRef:  checkout.OrderRef,
		Amount:    coinPackage.Coins.Int64(),
		Error:     operationError,
	})
	return checkout, operationError
}

func (service *Service) startTopUp(ctx context.Context, accountID AccountID, coinPackage CoinPackage, customer Customer) (Checkout, error) {
	if coinPackage.PackageID == "" || coinPackage.Coins <= 0 || !coinPackage.Price.IsPositive() {
		return Checkout{}, WrapError(errorOperationService, errorSubjectPackage, errorCodeInvalid, ErrUnknownPackage)
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return Checkout{}, err
	}
	orderRef, err := service.newOrderRef(coinPackage)
	if err != nil {
		return Checkout{}, err
	}
	nowUnixUTC := service.nowFn()
	intent := PaymentIntent{
		IntentID:       service.newID(),
		AccountID:      accountID,
		PackageID:      coinPackage.PackageID,
		Coins:          coinPackage.Coins,
		Price:          coinPackage.Price,
		OrderRef:       orderRef,
		Status:         IntentStatusPending,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	if err := service.store.CreateIntent(ctx, intent); err != nil {
		return Checkout{}, err
	}
	checkout, err := service.gateway.CreateCheckout(ctx, CheckoutRequest{
		OrderRef: orderRef,
		Package:  coinPackage,
		Customer: customer,
	})
	if err != nil {
		if errors.Is(err, ErrGatewayRejected) {
			update := IntentUpdate{Status: IntentStatusFailed, UpdatedUnixUTC: service.nowFn()}
			if updateErr := service.store.UpdateIntent(ctx, orderRef, IntentStatusPending, update); updateErr != nil {
				return Checkout{OrderRef: orderRef}, errors.Join(err, updateErr)
			}
		}
		return Checkout{OrderRef: orderRef}, err
	}
	checkout.OrderRef = orderRef
	return checkout, nil
}

// HandleCallback verifies and parses a gateway notification, then applies it.
func (service *Service) HandleCallback(ctx context.Context, rawPayload []byte) (PaymentIntent, error) {
	event, err := service.gateway.ParseCallback(ctx, rawPayload)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: OperationGatewayEvent, Error: err})
		return PaymentIntent{}, err
	}
	return service.HandleGatewayEvent(ctx, event)
}

// RefreshIntent polls the gateway once for a pending intent and applies the result.
// Terminal intents are returned without a gateway call.
func (service *Service) RefreshIntent(ctx context.Context, orderRef OrderRef) (PaymentIntent, error) {
	intent, err := service.store.GetIntent(ctx, orderRef)
	if err != nil {
		return PaymentIntent{}, err
	}
	if intent.Status.Terminal() {
		return intent, nil
	}
	event, err := service.gateway.PollStatus(ctx, orderRef)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: OperationRefreshIntent,
			AccountID: intent.AccountID,
			OrderRef:  orderRef,
			Error:     err,
		})
		return intent, err
	}
	return service.HandleGatewayEvent(ctx, event)
}

// HandleGatewayEvent applies a normalized gateway outcome to its intent.
// Terminal intents and pending outcomes are no-ops, so duplicate webhooks and
// webhook-plus-poll races converge on a single credit.
func (service *Service) HandleGatewayEvent(ctx context.Context, event GatewayEvent) (PaymentIntent, error) {
	var (
		intent  PaymentIntent
		outcome string
		balance CoinBalance
		err     error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		intent, outcome, balance, err = service.applyGatewayEvent(ctx, event)
		if !IsRetryableConflict(err) {
			break
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationGatewayEvent,
		AccountID:      intent.AccountID,
		OrderRef:       event.OrderRef,
		Amount:         intent.Coins.Int64(),
		IdempotencyKey: topUpIdempotencyKey(event.OrderRef),
		Outcome:        outcome,
		Error:          err,
	})
	if err != nil {
		return intent, err
	}
	switch outcome {
	case LogOutcomeSettled, LogOutcomeReconciled:
		service.publish(ctx, DomainEvent{
			Type:      DomainEventTopUpSettled,
			AccountID: intent.AccountID.String(),
			OrderRef:  intent.OrderRef.String(),
			Coins:     intent.Coins.Int64(),
			Balance:   balance.Int64(),
		})
	case LogOutcomeFailed:
		service.publish(ctx, DomainEvent{
			Type:      DomainEventIntentFailed,
			AccountID: intent.AccountID.String(),
			OrderRef:  intent.OrderRef.String(),
			Coins:     intent.Coins.Int64(),
		})
	}
	return intent, nil
}

func (service *Service) applyGatewayEvent(ctx context.Context, event GatewayEvent) (PaymentIntent, string, CoinBalance, error) {
	var (
		intent  PaymentIntent
		outcome = LogOutcomeNoop
		balance CoinBalance
	)
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetIntent(ctx, event.OrderRef)
		if err != nil {
			return err
		}
		intent = current
		if current.Status.Terminal() {
			return nil
		}
		update := IntentUpdate{
			ExternalTransactionID: event.ExternalTransactionID,
			PaymentMethod:         event.PaymentMethod,
			UpdatedUnixUTC:        service.nowFn(),
		}
		switch event.Outcome {
		case OutcomeSettled:
			if !event.GrossAmount.IsZero() && !event.GrossAmount.Equal(current.Price) {
				return WrapError(errorOperationService, errorSubjectIntent, errorCodeMismatch,
					fmt.Errorf("%w: got %s want %s", ErrAmountMismatch, event.GrossAmount.String(), current.Price.String()))
			}
			ledger := service.ledgerFor(transactionStore)
			// A crash after the credit but before the status update replays here as AlreadyApplied.
			appendResult, err := ledger.AppendEvent(
				ctx,
				current.AccountID,
				current.Coins.Credit(),
				ReasonTopUp,
				topUpIdempotencyKey(current.OrderRef),
				EventRef{IntentID: current.IntentID},
				MetadataFromMap(map[string]string{
					metadataKeyPackageID: current.PackageID,
					metadataKeyOrderRef:  current.OrderRef.String(),
				}),
			)
			if err != nil {
				return err
			}
			update.Status = IntentStatusSettled
			if err := transactionStore.UpdateIntent(ctx, current.OrderRef, IntentStatusPending, update); err != nil {
				return err
			}
			account, err := transactionStore.GetAccount(ctx, current.AccountID)
			if err != nil {
				return err
			}
			balance = account.Balance
			outcome = LogOutcomeSettled
			if appendResult.AlreadyApplied {
				outcome = LogOutcomeReconciled
			}
		case OutcomeDenied:
			update.Status = IntentStatusFailed
			if err := transactionStore.UpdateIntent(ctx, current.OrderRef, IntentStatusPending, update); err != nil {
				return err
			}
			outcome = LogOutcomeFailed
		default:
			return nil
		}
		intent = applyIntentUpdate(current, update)
		return nil
	})
	if err != nil {
		return intent, "", 0, err
	}
	return intent, outcome, balance, nil
}

// PurchaseChapter debits the chapter price and grants the entitlement atomically.
// Owned and free chapters succeed without a debit; a prior debit without a grant is completed without charging again.
func (service *Service) PurchaseChapter(ctx context.Context, accountID AccountID, chapterID ChapterID, storyID StoryID) (PurchaseResult, error) {
	result, operationError := service.purchaseChapter(ctx, accountID, chapterID, storyID)
	outcome := LogOutcomeApplied
	switch {
	case result.Free:
		outcome = LogOutcomeFree
	case result.AlreadyOwned:
		outcome = LogOutcomeAlreadyOwned
	case result.Reconciled:
		outcome = LogOutcomeReconciled
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationPurchaseChapter,
		AccountID:      accountID,
		ChapterID:      chapterID,
		Amount:         result.Chapter.Price.Int64(),
		IdempotencyKey: chapterIdempotencyKey(accountID, chapterID),
		Outcome:        outcome,
		Error:          operationError,
	})
	if operationError != nil {
		return result, operationError
	}
	if !result.Free && !result.AlreadyOwned {
		service.publish(ctx, DomainEvent{
			Type:      DomainEventChapterUnlocked,
			AccountID: accountID.String(),
			ChapterID: chapterID.String(),
			StoryID:   result.Chapter.StoryID.String(),
			Coins:     result.Entitlement.PricePaid.Int64(),
			Balance:   result.Balance.Int64(),
		})
	}
	return result, nil
}

func (service *Service) purchaseChapter(ctx context.Context, accountID AccountID, chapterID ChapterID, storyID StoryID) (PurchaseResult, error) {
	chapter, err := service.catalog.Chapter(ctx, chapterID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if storyID.String() != "" && chapter.StoryID != storyID {
		return PurchaseResult{}, WrapError(errorOperationService, errorSubjectChapter, errorCodeStoryMismatch, ErrUnknownChapter)
	}
	if !chapter.Premium {
		account, err := service.store.GetAccount(ctx, accountID)
		if err != nil {
			return PurchaseResult{}, err
		}
		return PurchaseResult{Chapter: chapter, Free: true, Balance: account.Balance}, nil
	}
	var result PurchaseResult
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		result, err = service.purchasePremiumChapter(ctx, accountID, chapter)
		if !IsRetryableConflict(err) {
			break
		}
	}
	return result, err
}

func (service *Service) purchasePremiumChapter(ctx context.Context, accountID AccountID, chapter Chapter) (PurchaseResult, error) {
	result := PurchaseResult{Chapter: chapter}
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		existing, err := transactionStore.FindEntitlement(ctx, accountID, chapter.ChapterID)
		if err == nil {
			result.Entitlement = existing
			result.AlreadyOwned = true
			result.Balance = account.Balance
			return nil
		}
		if !errors.Is(err, ErrEntitlementNotFound) {
			return err
		}

		idempotencyKey := chapterIdempotencyKey(accountID, chapter.ChapterID)
		entitlementID := service.newID()
		pricePaid := chapter.Price
		priorDebit, err := transactionStore.FindEvent(ctx, idempotencyKey)
		switch {
		case err == nil:
			if priorDebit.AccountID != accountID || priorDebit.Reason != ReasonChapterPurchase || priorDebit.Delta >= 0 {
				return WrapError(errorOperationService, errorSubjectChapter, errorCodeConflict, ErrIdempotencyConflict)
			}
			// Debit committed without its grant: complete the grant at the price already charged.
			result.Reconciled = true
			pricePaid = priorDebit.Delta.Magnitude()
			if priorDebit.EntitlementID != "" {
				entitlementID = priorDebit.EntitlementID
			}
		case errors.Is(err, ErrEventNotFound):
			ledger := service.ledgerFor(transactionStore)
			if _, err := ledger.AppendEvent(
				ctx,
				accountID,
				chapter.Price.Debit(),
				ReasonChapterPurchase,
				idempotencyKey,
				EventRef{EntitlementID: entitlementID},
				MetadataFromMap(map[string]string{
					metadataKeyChapterID: chapter.ChapterID.String(),
					metadataKeyStoryID:   chapter.StoryID.String(),
				}),
			); err != nil {
				return err
			}
		default:
			return err
		}

		entitlements := service.entitlementsFor(transactionStore)
		grant, err := entitlements.grant(ctx, entitlementID, accountID, chapter, pricePaid)
		if err != nil {
			if result.Reconciled {
				return WrapError(errorOperationService, errorSubjectChapter, errorCodeReconciliationGrant, errors.Join(ErrInconsistentState, err))
			}
			return err
		}
		result.Entitlement = grant.Entitlement
		refreshed, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		result.Balance = refreshed.Balance
		return nil
	})
	if err != nil {
		return PurchaseResult{Chapter: chapter}, err
	}
	return result, nil
}

// ExpireStaleIntents moves pending intents created before the cutoff to expired.
// Intents settled concurrently are skipped.
func (service *Service) ExpireStaleIntents(ctx context.Context, createdBeforeUnixUTC int64, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultExpireBatchSize
	}
	intents, err := service.store.ListPendingIntents(ctx, createdBeforeUnixUTC, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, intent := range intents {
		update := IntentUpdate{Status: IntentStatusExpired, UpdatedUnixUTC: service.nowFn()}
		updateErr := service.store.UpdateIntent(ctx, intent.OrderRef, IntentStatusPending, update)
		if errors.Is(updateErr, ErrIntentClosed) {
			continue
		}
		service.logOperation(ctx, OperationLog{
			Operation: OperationExpireIntents,
			AccountID: intent.AccountID,
			OrderRef:  intent.OrderRef,
			Amount:    intent.Coins.Int64(),
			Outcome:   LogOutcomeExpired,
			Error:     updateErr,
		})
		if updateErr != nil {
			return expired, updateErr
		}
		expired++
		service.publish(ctx, DomainEvent{
			Type:      DomainEventIntentFailed,
			AccountID: intent.AccountID.String(),
			OrderRef:  intent.OrderRef.String(),
			Coins:     intent.Coins.Int64(),
		})
	}
	return expired, nil
}

// PendingIntents lists pending intents created before the cutoff, oldest first.
func (service *Service) PendingIntents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]PaymentIntent, error) {
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.store.ListPendingIntents(ctx, createdBeforeUnixUTC, normalizedLimit)
}

// CreditRefund credits amount back to accountID once per idempotency key.
// Keys in the chapter purchase namespace are refused.
func (service *Service) CreditRefund(ctx context.Context, accountID AccountID, amount CoinAmount, idempotencyKey IdempotencyKey, metadata MetadataJSON) (AppendResult, error) {
	var (
		result         AppendResult
		operationError error
	)
	if isReservedIdempotencyKey(idempotencyKey) {
		operationError = WrapError(errorOperationService, errorSubjectEvent, errorCodeReservedKey,
			fmt.Errorf("%w: %s prefix is reserved", ErrInvalidIdempotencyKey, idempotencyPrefixChapter))
	} else {
		result, operationError = service.standaloneLedger().AppendEvent(ctx, accountID, amount.Credit(), ReasonRefund, idempotencyKey, EventRef{}, metadata)
	}
	outcome := LogOutcomeApplied
	if result.AlreadyApplied {
		outcome = LogOutcomeAlreadyApplied
	}
	service.logOperation(ctx, OperationLog{
		Operation:      OperationCreditRefund,
		AccountID:      accountID,
		Amount:         amount.Int64(),
		IdempotencyKey: idempotencyKey,
		Outcome:        outcome,
		Error:          operationError,
	})
	if operationError == nil && !result.AlreadyApplied {
		service.publish(ctx, DomainEvent{
			Type:      DomainEventRefundCredited,
			AccountID: accountID.String(),
			Coins:     amount.Int64(),
		})
	}
	return result, operationError
}

func (service *Service) ledgerFor(store Store) *Ledger {
	return &Ledger{store: store, nowFn: service.nowFn, newID: service.newID}
}

func (service *Service) standaloneLedger() *Ledger {
	ledger := service.ledgerFor(service.store)
	ledger.standalone = true
	return ledger
}

func (service *Service) entitlementsFor(store Store) *Entitlements {
	return &Entitlements{store: store, nowFn: service.nowFn, newID: service.newID}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) publish(ctx context.Context, event DomainEvent) {
	if service.publisher == nil {
		return
	}
	if event.OccurredAtUnix == 0 {
		event.OccurredAtUnix = service.nowFn()
	}
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: "publish_" + string(event.Type),
			Status:    OperationStatusError,
			Error:     err,
		})
	}
}

func applyIntentUpdate(intent PaymentIntent, update IntentUpdate) PaymentIntent {
	intent.Status = update.Status
	if update.ExternalTransactionID != "" {
		intent.ExternalTransactionID = update.ExternalTransactionID
	}
	if update.PaymentMethod != "" {
		intent.PaymentMethod = update.PaymentMethod
	}
	intent.UpdatedUnixUTC = update.UpdatedUnixUTC
	return intent
}

func topUpIdempotencyKey(orderRef OrderRef) IdempotencyKey {
	return IdempotencyKey{value: orderRef.String()}
}

// chapterIdempotencyKey length-prefixes the account id so ids containing the delimiter cannot collide.
func chapterIdempotencyKey(accountID AccountID, chapterID ChapterID) IdempotencyKey {
	account := accountID.String()
	return IdempotencyKey{value: idempotencyPrefixChapter + idempotencyKeyDelimiter +
		strconv.Itoa(len(account)) + idempotencyKeyDelimiter + account + idempotencyKeyDelimiter + chapterID.String()}
}

func isReservedIdempotencyKey(idempotencyKey IdempotencyKey) bool {
	return strings.HasPrefix(idempotencyKey.String(), idempotencyPrefixChapter+idempotencyKeyDelimiter)
}

func defaultOrderRef(_ CoinPackage) (OrderRef, error) {
	return NewOrderRef(uuid.NewString())
}
