package coins

import (
	"context"
	"fmt"
)

// Queries is the read-only projection used by the UI layer. It never calls the gateway.
type Queries struct {
	store        Store
	catalog      ChapterCatalog
	ledger       *Ledger
	entitlements *Entitlements
}

// NewQueries wires a Queries facade.
func NewQueries(store Store, catalog ChapterCatalog) (*Queries, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	readOnlyClock := func() int64 { return 0 }
	ledger, err := NewLedger(store, readOnlyClock)
	if err != nil {
		return nil, err
	}
	entitlements, err := NewEntitlements(store, readOnlyClock)
	if err != nil {
		return nil, err
	}
	return &Queries{store: store, catalog: catalog, ledger: ledger, entitlements: entitlements}, nil
}

// Balance returns the current coin balance.
func (queries *Queries) Balance(ctx context.Context, accountID AccountID) (CoinBalance, error) {
	return queries.ledger.Balance(ctx, accountID)
}

// IsChapterUnlocked reports whether accountID may read chapterID.
func (queries *Queries) IsChapterUnlocked(ctx context.Context, accountID AccountID, chapterID ChapterID) (bool, Chapter, error) {
	chapter, err := queries.catalog.Chapter(ctx, chapterID)
	if err != nil {
		return false, Chapter{}, err
	}
	unlocked, err := queries.entitlements.IsUnlocked(ctx, accountID, chapter)
	if err != nil {
		return false, chapter, err
	}
	return unlocked, chapter, nil
}

// UnlockedChapters lists the chapter ids of storyID owned by accountID.
func (queries *Queries) UnlockedChapters(ctx context.Context, accountID AccountID, storyID StoryID) ([]ChapterID, error) {
	return queries.entitlements.ListForAccount(ctx, accountID, storyID)
}

// TransactionHistory returns one page of ledger events, newest first.
// Pass the returned NextCursor to continue; the sequence is stable under concurrent appends.
func (queries *Queries) TransactionHistory(ctx context.Context, accountID AccountID, cursor EventCursor, limit int) (HistoryPage, error) {
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return HistoryPage{}, err
	}
	if _, err := queries.store.GetAccount(ctx, accountID); err != nil {
		return HistoryPage{}, err
	}
	events, err := queries.store.ListEvents(ctx, accountID, cursor, normalizedLimit+1)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Events: events}
	if len(events) > normalizedLimit {
		page.Events = events[:normalizedLimit]
		page.HasMore = true
	}
	if len(page.Events) > 0 {
		page.NextCursor = CursorAfter(page.Events[len(page.Events)-1])
	}
	return page, nil
}

// TopUpHistory lists the most recent payment intents of accountID, any status.
func (queries *Queries) TopUpHistory(ctx context.Context, accountID AccountID, limit int) ([]PaymentIntent, error) {
	normalizedLimit, err := normalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if _, err := queries.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return queries.store.ListAccountIntents(ctx, accountID, normalizedLimit)
}
