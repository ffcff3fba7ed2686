package coins

import "context"

// LedgerStore persists accounts and their immutable ledger events.
type LedgerStore interface {
	// CreateAccount inserts an account with a zero balance; existing accounts are left untouched.
	CreateAccount(ctx context.Context, accountID AccountID, createdUnixUTC int64) error
	// GetAccount returns ErrUnknownAccount when the account does not exist.
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// FindEvent returns ErrEventNotFound when no event carries the key.
	FindEvent(ctx context.Context, idempotencyKey IdempotencyKey) (LedgerEvent, error)
	// InsertEvent returns ErrDuplicateIdempotencyKey on a uniqueness violation.
	InsertEvent(ctx context.Context, event LedgerEvent) error
	// ApplyDelta adds delta to the balance only if the result stays non-negative.
	// It returns ErrInsufficientFunds or ErrUnknownAccount when no row qualifies.
	ApplyDelta(ctx context.Context, accountID AccountID, delta CoinDelta) (CoinBalance, error)
	// ListEvents returns at most limit events strictly older than cursor, newest first.
	ListEvents(ctx context.Context, accountID AccountID, cursor EventCursor, limit int) ([]LedgerEvent, error)
}

// EntitlementStore persists chapter entitlements.
type EntitlementStore interface {
	// FindEntitlement returns ErrEntitlementNotFound when the pair is not owned.
	FindEntitlement(ctx context.Context, accountID AccountID, chapterID ChapterID) (Entitlement, error)
	// InsertEntitlement returns ErrDuplicateEntitlement on a uniqueness violation.
	InsertEntitlement(ctx context.Context, entitlement Entitlement) error
	ListEntitledChapters(ctx context.Context, accountID AccountID, storyID StoryID) ([]ChapterID, error)
}

// IntentStore persists payment intents.
type IntentStore interface {
	// CreateIntent returns ErrDuplicateOrderRef when the order reference exists.
	CreateIntent(ctx context.Context, intent PaymentIntent) error
	// GetIntent locks the row for the surrounding transaction where supported.
	// It returns ErrUnknownIntent when absent.
	GetIntent(ctx context.Context, orderRef OrderRef) (PaymentIntent, error)
	// UpdateIntent applies update only while the stored status equals from.
	// It returns ErrIntentClosed when the row has already moved on.
	UpdateIntent(ctx context.Context, orderRef OrderRef, from IntentStatus, update IntentUpdate) error
	ListPendingIntents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]PaymentIntent, error)
	ListAccountIntents(ctx context.Context, accountID AccountID, limit int) ([]PaymentIntent, error)
}

// Store is the persistence contract used by the coin components.
type Store interface {
	LedgerStore
	EntitlementStore
	IntentStore
	// WithTx runs fn in a single transaction; calling it on a transactional store reuses that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}

// ChapterCatalog is the read-only content store collaborator.
type ChapterCatalog interface {
	// Chapter returns ErrUnknownChapter when the chapter does not exist.
	Chapter(ctx context.Context, chapterID ChapterID) (Chapter, error)
}

// PaymentGateway is the contract of the payment gateway adapter.
type PaymentGateway interface {
	CreateCheckout(ctx context.Context, request CheckoutRequest) (Checkout, error)
	ParseCallback(ctx context.Context, rawPayload []byte) (GatewayEvent, error)
	PollStatus(ctx context.Context, orderRef OrderRef) (GatewayEvent, error)
}

// EventPublisher receives committed domain facts.
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}

// DomainEventType names a committed fact.
type DomainEventType string

const (
	DomainEventTopUpSettled    DomainEventType = "topup_settled"
	DomainEventIntentFailed    DomainEventType = "intent_failed"
	DomainEventChapterUnlocked DomainEventType = "chapter_unlocked"
	DomainEventRefundCredited  DomainEventType = "refund_credited"
)

// DomainEvent is published after the transaction that produced it commits.
type DomainEvent struct {
	Type           DomainEventType `json:"type"`
	AccountID      string          `json:"account_id"`
	OrderRef       string          `json:"order_ref,omitempty"`
	ChapterID      string          `json:"chapter_id,omitempty"`
	StoryID        string          `json:"story_id,omitempty"`
	Coins          int64           `json:"coins"`
	Balance        int64           `json:"balance"`
	OccurredAtUnix int64           `json:"occurred_at_unix"`
}
