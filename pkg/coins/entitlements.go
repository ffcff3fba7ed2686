package coins

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Entitlements records permanent chapter access, at most one per (account, chapter).
type Entitlements struct {
	store Store
	nowFn func() int64
	newID func() string
}

// NewEntitlements wires an Entitlements component over store.
func NewEntitlements(store Store, now func() int64) (*Entitlements, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Entitlements{store: store, nowFn: now, newID: uuid.NewString}, nil
}

// Grant unlocks chapter for accountID. An existing entitlement is returned unchanged with AlreadyOwned set.
func (entitlements *Entitlements) Grant(ctx context.Context, accountID AccountID, chapter Chapter, pricePaid CoinAmount) (GrantResult, error) {
	return entitlements.grant(ctx, entitlements.newID(), accountID, chapter, pricePaid)
}

func (entitlements *Entitlements) grant(ctx context.Context, entitlementID string, accountID AccountID, chapter Chapter, pricePaid CoinAmount) (GrantResult, error) {
	var result GrantResult
	err := entitlements.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindEntitlement(ctx, accountID, chapter.ChapterID)
		if err == nil {
			result = GrantResult{Entitlement: existing, AlreadyOwned: true}
			return nil
		}
		if !errors.Is(err, ErrEntitlementNotFound) {
			return err
		}
		entitlement := Entitlement{
			EntitlementID:  entitlementID,
			AccountID:      accountID,
			ChapterID:      chapter.ChapterID,
			StoryID:        chapter.StoryID,
			PricePaid:      pricePaid,
			CreatedUnixUTC: entitlements.nowFn(),
		}
		if err := transactionStore.InsertEntitlement(ctx, entitlement); err != nil {
			return err
		}
		result = GrantResult{Entitlement: entitlement}
		return nil
	})
	if err != nil {
		return GrantResult{}, err
	}
	return result, nil
}

// IsUnlocked reports whether accountID may read chapter: free chapters are always unlocked.
func (entitlements *Entitlements) IsUnlocked(ctx context.Context, accountID AccountID, chapter Chapter) (bool, error) {
	if !chapter.Premium {
		return true, nil
	}
	_, err := entitlements.store.FindEntitlement(ctx, accountID, chapter.ChapterID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrEntitlementNotFound) {
		return false, nil
	}
	return false, err
}

// ListForAccount returns the chapter ids of storyID unlocked by accountID.
func (entitlements *Entitlements) ListForAccount(ctx context.Context, accountID AccountID, storyID StoryID) ([]ChapterID, error) {
	return entitlements.store.ListEntitledChapters(ctx, accountID, storyID)
}
