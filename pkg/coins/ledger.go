package coins

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Ledger appends idempotent balance-changing events. The balance column is
// written only here, inside the same transaction as the event insert.
type Ledger struct {
	store Store
	nowFn func() int64
	newID func() string
	// standalone ledgers own their transaction and may retry it after a lost uniqueness race.
	standalone bool
}

// NewLedger wires a Ledger over store.
func NewLedger(store Store, now func() int64) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Ledger{store: store, nowFn: now, newID: uuid.NewString, standalone: true}, nil
}

// AppendEvent records delta for accountID at most once per idempotency key.
// A replayed key returns the stored event with AlreadyApplied set and leaves the balance untouched.
// A standalone ledger that loses a concurrent insert of the same key retries in a fresh
// transaction, where the winner's event is seen as already applied.
func (ledger *Ledger) AppendEvent(ctx context.Context, accountID AccountID, delta CoinDelta, reason EventReason, idempotencyKey IdempotencyKey, ref EventRef, metadata MetadataJSON) (AppendResult, error) {
	if delta == 0 {
		return AppendResult{}, fmt.Errorf("%w: must be non-zero", ErrInvalidCoinDelta)
	}
	attempts := 1
	if ledger.standalone {
		attempts = maxConflictRetries
	}
	var (
		result AppendResult
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = ledger.appendOnce(ctx, accountID, delta, reason, idempotencyKey, ref, metadata)
		if !IsRetryableConflict(err) {
			break
		}
	}
	return result, err
}

func (ledger *Ledger) appendOnce(ctx context.Context, accountID AccountID, delta CoinDelta, reason EventReason, idempotencyKey IdempotencyKey, ref EventRef, metadata MetadataJSON) (AppendResult, error) {
	var result AppendResult
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindEvent(ctx, idempotencyKey)
		if err == nil {
			if existing.AccountID != accountID || existing.Delta != delta || existing.Reason != reason {
				return WrapError(errorOperationService, errorSubjectEvent, errorCodeConflict, ErrIdempotencyConflict)
			}
			result = AppendResult{Event: existing, AlreadyApplied: true}
			return nil
		}
		if !errors.Is(err, ErrEventNotFound) {
			return err
		}
		event := LedgerEvent{
			EventID:        ledger.newID(),
			AccountID:      accountID,
			Delta:          delta,
			Reason:         reason,
			IdempotencyKey: idempotencyKey,
			IntentID:       ref.IntentID,
			EntitlementID:  ref.EntitlementID,
			Metadata:       metadata,
			CreatedUnixUTC: ledger.nowFn(),
		}
		// The insert claims the key first so a concurrent append with the same key
		// blocks on the unique index instead of double-applying the delta.
		if err := transactionStore.InsertEvent(ctx, event); err != nil {
			return err
		}
		if _, err := transactionStore.ApplyDelta(ctx, accountID, delta); err != nil {
			return err
		}
		result = AppendResult{Event: event}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

// Balance returns the current balance of accountID.
func (ledger *Ledger) Balance(ctx context.Context, accountID AccountID) (CoinBalance, error) {
	account, err := ledger.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// ListEvents lists events newest first, strictly older than cursor.
func (ledger *Ledger) ListEvents(ctx context.Context, accountID AccountID, limit int, cursor EventCursor) ([]LedgerEvent, error) {
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if _, err := ledger.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return ledger.store.ListEvents(ctx, accountID, cursor, normalizedLimit)
}

func normalizeListLimit(limit int) (int, error) {
	if limit <= 0 {
		return defaultListLimit, nil
	}
	if limit > maxListLimit {
		return 0, WrapError(errorOperationService, errorSubjectList, errorCodeLimit,
			fmt.Errorf("%w: %d > %d", ErrInvalidListLimit, limit, maxListLimit))
	}
	return limit, nil
}
