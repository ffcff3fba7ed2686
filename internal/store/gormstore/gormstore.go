package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEvent       = "event"
	errorSubjectIntent      = "intent"
	errorSubjectEntitlement = "entitlement"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeApplyDelta     = "apply_delta"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements coins.Store using GORM.
type Store struct {
	db            *gorm.DB
	inTransaction bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. A transactional store passes itself through.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore coins.Store) error) error {
	if store.inTransaction {
		return fn(ctx, store)
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTransaction: true})
	})
}

func (store *Store) CreateAccount(ctx context.Context, accountID coins.AccountID, createdUnixUTC int64) error {
	account := Account{AccountID: accountID.String(), CreatedAt: unixToTime(createdUnixUTC)}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID coins.AccountID) (coins.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coins.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, coins.ErrUnknownAccount)
		}
		return coins.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return coins.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) FindEvent(ctx context.Context, idempotencyKey coins.IdempotencyKey) (coins.LedgerEvent, error) {
	var model LedgerEvent
	err := store.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coins.LedgerEvent{}, coins.ErrEventNotFound
		}
		return coins.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	event, err := mapLedgerEvent(model)
	if err != nil {
		return coins.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	return event, nil
}

func (store *Store) InsertEvent(ctx context.Context, event coins.LedgerEvent) error {
	model := LedgerEvent{
		EventID:        event.EventID,
		AccountID:      event.AccountID.String(),
		Delta:          event.Delta.Int64(),
		Reason:         event.Reason.String(),
		IdempotencyKey: event.IdempotencyKey.String(),
		IntentID:       optionalString(event.IntentID),
		EntitlementID:  optionalString(event.EntitlementID),
		Metadata:       datatypesJSON(event.Metadata.String()),
		CreatedAt:      unixToTime(event.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, coins.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ApplyDelta updates the balance with a guarded statement so the non-negative
// check and the write happen atomically in the database.
func (store *Store) ApplyDelta(ctx context.Context, accountID coins.AccountID, delta coins.CoinDelta) (coins.CoinBalance, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance + ? >= 0", accountID.String(), delta.Int64()).
		Update("balance", gorm.Expr("balance + ?", delta.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetAccount(ctx, accountID); err != nil {
			return 0, err
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, coins.ErrInsufficientFunds)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (store *Store) ListEvents(ctx context.Context, accountID coins.AccountID, cursor coins.EventCursor, limit int) ([]coins.LedgerEvent, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if !cursor.IsZero() {
		before := unixToTime(cursor.BeforeUnixUTC)
		query = query.Where("(created_at < ? OR (created_at = ? AND event_id < ?))", before, before, cursor.BeforeEventID)
	}
	var rows []LedgerEvent
	err := query.Order("created_at DESC").Order("event_id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]coins.LedgerEvent, 0, len(rows))
	for _, row := range rows {
		event, err := mapLedgerEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (store *Store) FindEntitlement(ctx context.Context, accountID coins.AccountID, chapterID coins.ChapterID) (coins.Entitlement, error) {
	var model Entitlement
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND chapter_id = ?", accountID.String(), chapterID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coins.Entitlement{}, coins.ErrEntitlementNotFound
		}
		return coins.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	entitlement, err := mapEntitlement(model)
	if err != nil {
		return coins.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	return entitlement, nil
}

func (store *Store) InsertEntitlement(ctx context.Context, entitlement coins.Entitlement) error {
	model := Entitlement{
		EntitlementID: entitlement.EntitlementID,
		AccountID:     entitlement.AccountID.String(),
		ChapterID:     entitlement.ChapterID.String(),
		StoryID:       entitlement.StoryID.String(),
		PricePaid:     entitlement.PricePaid.Int64(),
		CreatedAt:     unixToTime(entitlement.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, coins.ErrDuplicateEntitlement)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntitledChapters(ctx context.Context, accountID coins.AccountID, storyID coins.StoryID) ([]coins.ChapterID, error) {
	var chapterIDs []string
	err := store.db.WithContext(ctx).
		Model(&Entitlement{}).
		Where("account_id = ? AND story_id = ?", accountID.String(), storyID.String()).
		Order("chapter_id").
		Pluck("chapter_id", &chapterIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	chapters := make([]coins.ChapterID, 0, len(chapterIDs))
	for _, raw := range chapterIDs {
		chapterID, err := coins.NewChapterID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
		}
		chapters = append(chapters, chapterID)
	}
	return chapters, nil
}

func (store *Store) CreateIntent(ctx context.Context, intent coins.PaymentIntent) error {
	model := PaymentIntent{
		IntentID:              intent.IntentID,
		AccountID:             intent.AccountID.String(),
		PackageID:             intent.PackageID,
		Coins:                 intent.Coins.Int64(),
		Price:                 intent.Price,
		OrderRef:              intent.OrderRef.String(),
		Status:                intent.Status.String(),
		ExternalTransactionID: intent.ExternalTransactionID,
		PaymentMethod:         intent.PaymentMethod,
		CreatedAt:             unixToTime(intent.CreatedUnixUTC),
		UpdatedAt:             unixToTime(intent.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, coins.ErrDuplicateOrderRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIntent(ctx context.Context, orderRef coins.OrderRef) (coins.PaymentIntent, error) {
	var model PaymentIntent
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_ref = ?", orderRef.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coins.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, coins.ErrUnknownIntent)
		}
		return coins.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	intent, err := mapPaymentIntent(model)
	if err != nil {
		return coins.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func (store *Store) UpdateIntent(ctx context.Context, orderRef coins.OrderRef, from coins.IntentStatus, update coins.IntentUpdate) error {
	if !from.CanTransitionTo(update.Status) {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, coins.ErrIntentClosed)
	}
	assignments := map[string]any{
		"status":     update.Status.String(),
		"updated_at": unixToTime(update.UpdatedUnixUTC),
	}
	if update.ExternalTransactionID != "" {
		assignments["external_transaction_id"] = update.ExternalTransactionID
	}
	if update.PaymentMethod != "" {
		assignments["payment_method"] = update.PaymentMethod
	}
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("order_ref = ? AND status = ?", orderRef.String(), from.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&PaymentIntent{}).Where("order_ref = ?", orderRef.String()).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, coins.ErrUnknownIntent)
		}
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, coins.ErrIntentClosed)
	}
	return nil
}

func (store *Store) ListPendingIntents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]coins.PaymentIntent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", coins.IntentStatusPending.String(), unixToTime(createdBeforeUnixUTC)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return mapPaymentIntents(rows)
}

func (store *Store) ListAccountIntents(ctx context.Context, accountID coins.AccountID, limit int) ([]coins.PaymentIntent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Order("intent_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return mapPaymentIntents(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return coins.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(row Account) (coins.Account, error) {
	accountID, err := coins.NewAccountID(row.AccountID)
	if err != nil {
		return coins.Account{}, err
	}
	balance, err := coins.NewCoinBalance(row.Balance)
	if err != nil {
		return coins.Account{}, err
	}
	return coins.Account{AccountID: accountID, Balance: balance, CreatedUnixUTC: row.CreatedAt.Unix()}, nil
}

func mapLedgerEvent(row LedgerEvent) (coins.LedgerEvent, error) {
	accountID, err := coins.NewAccountID(row.AccountID)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	delta, err := coins.NewCoinDelta(row.Delta)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	reason, err := coins.ParseEventReason(row.Reason)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	idempotencyKey, err := coins.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	metadata, err := coins.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	return coins.LedgerEvent{
		EventID:        row.EventID,
		AccountID:      accountID,
		Delta:          delta,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		IntentID:       stringOrEmpty(row.IntentID),
		EntitlementID:  stringOrEmpty(row.EntitlementID),
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapEntitlement(row Entitlement) (coins.Entitlement, error) {
	accountID, err := coins.NewAccountID(row.AccountID)
	if err != nil {
		return coins.Entitlement{}, err
	}
	chapterID, err := coins.NewChapterID(row.ChapterID)
	if err != nil {
		return coins.Entitlement{}, err
	}
	storyID, err := coins.NewStoryID(row.StoryID)
	if err != nil {
		return coins.Entitlement{}, err
	}
	pricePaid, err := coins.NewCoinAmount(row.PricePaid)
	if err != nil {
		return coins.Entitlement{}, err
	}
	return coins.Entitlement{
		EntitlementID:  row.EntitlementID,
		AccountID:      accountID,
		ChapterID:      chapterID,
		StoryID:        storyID,
		PricePaid:      pricePaid,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPaymentIntent(row PaymentIntent) (coins.PaymentIntent, error) {
	accountID, err := coins.NewAccountID(row.AccountID)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	orderRef, err := coins.NewOrderRef(row.OrderRef)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	coinAmount, err := coins.NewCoinAmount(row.Coins)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	status, err := coins.ParseIntentStatus(row.Status)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	return coins.PaymentIntent{
		IntentID:              row.IntentID,
		AccountID:             accountID,
		PackageID:             row.PackageID,
		Coins:                 coinAmount,
		Price:                 row.Price,
		OrderRef:              orderRef,
		Status:                status,
		ExternalTransactionID: row.ExternalTransactionID,
		PaymentMethod:         row.PaymentMethod,
		CreatedUnixUTC:        row.CreatedAt.Unix(),
		UpdatedUnixUTC:        row.UpdatedAt.Unix(),
	}, nil
}

func mapPaymentIntents(rows []PaymentIntent) ([]coins.PaymentIntent, error) {
	intents := make([]coins.PaymentIntent, 0, len(rows))
	for _, row := range rows {
		intent, err := mapPaymentIntent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
