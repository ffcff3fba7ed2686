package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEvent       = "event"
	errorSubjectIntent      = "intent"
	errorSubjectEntitlement = "entitlement"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeApplyDelta     = "apply_delta"
	errorCodeUpdateStatus   = "update_status"

	sqlInsertAccount = `
		insert into accounts(account_id, balance, created_at) values($1, 0, to_timestamp($2))
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, balance, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlApplyDelta = `
		update accounts set balance = balance + $2
		where account_id = $1 and balance + $2 >= 0
		returning balance
	`

	sqlAccountExists = `select exists(select 1 from accounts where account_id = $1)`

	sqlInsertEvent = `
		insert into ledger_events(
			event_id, account_id, delta, reason, idempotency_key, intent_id, entitlement_id, metadata, created_at
		)
		values($1, $2, $3, $4, $5, nullif($6,''), nullif($7,''), coalesce(nullif($8,''),'{}')::jsonb, to_timestamp($9))
	`

	sqlEventColumns = `
		event_id,
		account_id,
		delta,
		reason,
		idempotency_key,
		coalesce(intent_id,''),
		coalesce(entitlement_id,''),
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlSelectEventByKey = `select ` + sqlEventColumns + ` from ledger_events where idempotency_key = $1`

	sqlListEvents = `select ` + sqlEventColumns + `
		from ledger_events
		where account_id = $1
		order by created_at desc, event_id desc
		limit $2
	`

	sqlListEventsBefore = `select ` + sqlEventColumns + `
		from ledger_events
		where account_id = $1
		and (created_at < to_timestamp($2) or (created_at = to_timestamp($2) and event_id < $3))
		order by created_at desc, event_id desc
		limit $4
	`

	sqlSelectEntitlement = `
		select entitlement_id, account_id, chapter_id, story_id, price_paid, extract(epoch from created_at)::bigint
		from entitlements
		where account_id = $1 and chapter_id = $2
	`

	sqlInsertEntitlement = `
		insert into entitlements(entitlement_id, account_id, chapter_id, story_id, price_paid, created_at)
		values($1, $2, $3, $4, $5, to_timestamp($6))
	`

	sqlListEntitledChapters = `
		select chapter_id from entitlements
		where account_id = $1 and story_id = $2
		order by chapter_id
	`

	sqlInsertIntent = `
		insert into payment_intents(
			intent_id, account_id, package_id, coins, price, order_ref, status,
			external_transaction_id, payment_method, created_at, updated_at
		)
		values($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, to_timestamp($10), to_timestamp($11))
	`

	sqlIntentColumns = `
		intent_id,
		account_id,
		package_id,
		coins,
		price::text,
		order_ref,
		status,
		external_transaction_id,
		payment_method,
		extract(epoch from created_at)::bigint,
		extract(epoch from updated_at)::bigint
	`

	sqlSelectIntentForUpdate = `select ` + sqlIntentColumns + ` from payment_intents where order_ref = $1 for update`

	sqlUpdateIntent = `
		update payment_intents
		set status = $3,
			external_transaction_id = coalesce(nullif($4,''), external_transaction_id),
			payment_method = coalesce(nullif($5,''), payment_method),
			updated_at = to_timestamp($6)
		where order_ref = $1 and status = $2
	`

	sqlIntentExists = `select exists(select 1 from payment_intents where order_ref = $1)`

	sqlListPendingIntents = `select ` + sqlIntentColumns + `
		from payment_intents
		where status = 'pending' and created_at < to_timestamp($1)
		order by created_at asc
		limit $2
	`

	sqlListAccountIntents = `select ` + sqlIntentColumns + `
		from payment_intents
		where account_id = $1
		order by created_at desc, intent_id desc
		limit $2
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool used by Store.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements coins.Store using pgx. Outside WithTx it runs in autocommit mode.
type Store struct {
	pool Pool
	db   querier
	tx   pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx executes fn within a transaction. A transactional store passes itself through.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore coins.Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, accountID coins.AccountID, createdUnixUTC int64) error {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, accountID.String(), createdUnixUTC); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID coins.AccountID) (coins.Account, error) {
	var (
		accountIDValue string
		balanceValue   int64
		createdUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(&accountIDValue, &balanceValue, &createdUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coins.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, coins.ErrUnknownAccount)
		}
		return coins.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedAccountID, err := coins.NewAccountID(accountIDValue)
	if err != nil {
		return coins.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := coins.NewCoinBalance(balanceValue)
	if err != nil {
		return coins.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return coins.Account{AccountID: parsedAccountID, Balance: balance, CreatedUnixUTC: createdUnixUTC}, nil
}

func (store *Store) FindEvent(ctx context.Context, idempotencyKey coins.IdempotencyKey) (coins.LedgerEvent, error) {
	event, err := scanEvent(store.db.QueryRow(ctx, sqlSelectEventByKey, idempotencyKey.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coins.LedgerEvent{}, coins.ErrEventNotFound
		}
		return coins.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return event, nil
}

func (store *Store) InsertEvent(ctx context.Context, event coins.LedgerEvent) error {
	_, err := store.db.Exec(ctx, sqlInsertEvent,
		event.EventID,
		event.AccountID.String(),
		event.Delta.Int64(),
		event.Reason.String(),
		event.IdempotencyKey.String(),
		event.IntentID,
		event.EntitlementID,
		event.Metadata.String(),
		event.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, coins.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ApplyDelta(ctx context.Context, accountID coins.AccountID, delta coins.CoinDelta) (coins.CoinBalance, error) {
	var balanceValue int64
	err := store.db.QueryRow(ctx, sqlApplyDelta, accountID.String(), delta.Int64()).Scan(&balanceValue)
	if err == nil {
		balance, parseErr := coins.NewCoinBalance(balanceValue)
		if parseErr != nil {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, parseErr)
		}
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, err)
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlAccountExists, accountID.String()).Scan(&exists); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, err)
	}
	if !exists {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, coins.ErrUnknownAccount)
	}
	return 0, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, coins.ErrInsufficientFunds)
}

func (store *Store) ListEvents(ctx context.Context, accountID coins.AccountID, cursor coins.EventCursor, limit int) ([]coins.LedgerEvent, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if cursor.IsZero() {
		rows, err = store.db.Query(ctx, sqlListEvents, accountID.String(), limit)
	} else {
		rows, err = store.db.Query(ctx, sqlListEventsBefore, accountID.String(), cursor.BeforeUnixUTC, cursor.BeforeEventID, limit)
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()

	var events []coins.LedgerEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return events, nil
}

func (store *Store) FindEntitlement(ctx context.Context, accountID coins.AccountID, chapterID coins.ChapterID) (coins.Entitlement, error) {
	var (
		entitlementID  string
		accountIDValue string
		chapterIDValue string
		storyIDValue   string
		pricePaidValue int64
		createdUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectEntitlement, accountID.String(), chapterID.String()).
		Scan(&entitlementID, &accountIDValue, &chapterIDValue, &storyIDValue, &pricePaidValue, &createdUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coins.Entitlement{}, coins.ErrEntitlementNotFound
		}
		return coins.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	parsedAccountID, err := coins.NewAccountID(accountIDValue)
	if err != nil {
		return coins.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	parsedChapterID, err := coins.NewChapterID(chapterIDValue)
	if err != nil {
		return coins.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	storyID, err := coins.NewStoryID(storyIDValue)
	if err != nil {
		return coins.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	pricePaid, err := coins.NewCoinAmount(pricePaidValue)
	if err != nil {
		return coins.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	return coins.Entitlement{
		EntitlementID:  entitlementID,
		AccountID:      parsedAccountID,
		ChapterID:      parsedChapterID,
		StoryID:        storyID,
		PricePaid:      pricePaid,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func (store *Store) InsertEntitlement(ctx context.Context, entitlement coins.Entitlement) error {
	_, err := store.db.Exec(ctx, sqlInsertEntitlement,
		entitlement.EntitlementID,
		entitlement.AccountID.String(),
		entitlement.ChapterID.String(),
		entitlement.StoryID.String(),
		entitlement.PricePaid.Int64(),
		entitlement.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, coins.ErrDuplicateEntitlement)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntitledChapters(ctx context.Context, accountID coins.AccountID, storyID coins.StoryID) ([]coins.ChapterID, error) {
	rows, err := store.db.Query(ctx, sqlListEntitledChapters, accountID.String(), storyID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	defer rows.Close()

	var chapters []coins.ChapterID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
		}
		chapterID, err := coins.NewChapterID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
		}
		chapters = append(chapters, chapterID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	return chapters, nil
}

func (store *Store) CreateIntent(ctx context.Context, intent coins.PaymentIntent) error {
	_, err := store.db.Exec(ctx, sqlInsertIntent,
		intent.IntentID,
		intent.AccountID.String(),
		intent.PackageID,
		intent.Coins.Int64(),
		intent.Price.String(),
		intent.OrderRef.String(),
		intent.Status.String(),
		intent.ExternalTransactionID,
		intent.PaymentMethod,
		intent.CreatedUnixUTC,
		intent.UpdatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, coins.ErrDuplicateOrderRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIntent(ctx context.Context, orderRef coins.OrderRef) (coins.PaymentIntent, error) {
	intent, err := scanIntent(store.db.QueryRow(ctx, sqlSelectIntentForUpdate, orderRef.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coins.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, coins.ErrUnknownIntent)
		}
		return coins.PaymentIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	return intent, nil
}

func (store *Store) UpdateIntent(ctx context.Context, orderRef coins.OrderRef, from coins.IntentStatus, update coins.IntentUpdate) error {
	if !from.CanTransitionTo(update.Status) {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, coins.ErrIntentClosed)
	}
	tag, err := store.db.Exec(ctx, sqlUpdateIntent,
		orderRef.String(),
		from.String(),
		update.Status.String(),
		update.ExternalTransactionID,
		update.PaymentMethod,
		update.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlIntentExists, orderRef.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, coins.ErrUnknownIntent)
	}
	return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, coins.ErrIntentClosed)
}

func (store *Store) ListPendingIntents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]coins.PaymentIntent, error) {
	rows, err := store.db.Query(ctx, sqlListPendingIntents, createdBeforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return collectIntents(rows)
}

func (store *Store) ListAccountIntents(ctx context.Context, accountID coins.AccountID, limit int) ([]coins.PaymentIntent, error) {
	rows, err := store.db.Query(ctx, sqlListAccountIntents, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return collectIntents(rows)
}

func collectIntents(rows pgx.Rows) ([]coins.PaymentIntent, error) {
	defer rows.Close()
	var intents []coins.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return intents, nil
}

func scanEvent(row pgx.Row) (coins.LedgerEvent, error) {
	var (
		eventID        string
		accountIDValue string
		deltaValue     int64
		reasonValue    string
		keyValue       string
		intentID       string
		entitlementID  string
		metadataValue  string
		createdUnixUTC int64
	)
	if err := row.Scan(&eventID, &accountIDValue, &deltaValue, &reasonValue, &keyValue, &intentID, &entitlementID, &metadataValue, &createdUnixUTC); err != nil {
		return coins.LedgerEvent{}, err
	}
	accountID, err := coins.NewAccountID(accountIDValue)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	delta, err := coins.NewCoinDelta(deltaValue)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	reason, err := coins.ParseEventReason(reasonValue)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	idempotencyKey, err := coins.NewIdempotencyKey(keyValue)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	metadata, err := coins.NewMetadataJSON(metadataValue)
	if err != nil {
		return coins.LedgerEvent{}, err
	}
	return coins.LedgerEvent{
		EventID:        eventID,
		AccountID:      accountID,
		Delta:          delta,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		IntentID:       intentID,
		EntitlementID:  entitlementID,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func scanIntent(row pgx.Row) (coins.PaymentIntent, error) {
	var (
		intentID              string
		accountIDValue        string
		packageID             string
		coinsValue            int64
		priceValue            string
		orderRefValue         string
		statusValue           string
		externalTransactionID string
		paymentMethod         string
		createdUnixUTC        int64
		updatedUnixUTC        int64
	)
	if err := row.Scan(&intentID, &accountIDValue, &packageID, &coinsValue, &priceValue, &orderRefValue, &statusValue, &externalTransactionID, &paymentMethod, &createdUnixUTC, &updatedUnixUTC); err != nil {
		return coins.PaymentIntent{}, err
	}
	accountID, err := coins.NewAccountID(accountIDValue)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	coinAmount, err := coins.NewCoinAmount(coinsValue)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	price, err := decimal.NewFromString(priceValue)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	orderRef, err := coins.NewOrderRef(orderRefValue)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	status, err := coins.ParseIntentStatus(statusValue)
	if err != nil {
		return coins.PaymentIntent{}, err
	}
	return coins.PaymentIntent{
		IntentID:              intentID,
		AccountID:             accountID,
		PackageID:             packageID,
		Coins:                 coinAmount,
		Price:                 price,
		OrderRef:              orderRef,
		Status:                status,
		ExternalTransactionID: externalTransactionID,
		PaymentMethod:         paymentMethod,
		CreatedUnixUTC:        createdUnixUTC,
		UpdatedUnixUTC:        updatedUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return coins.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
