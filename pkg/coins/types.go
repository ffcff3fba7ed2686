package coins

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	minChapterPrice = 1
	maxChapterPrice = 5
)

// AccountID identifies a coin account; it is the identity provider's user id.
type AccountID struct {
	value string
}

// ChapterID identifies a chapter owned by the content store.
type ChapterID struct {
	value string
}

// StoryID identifies a story owned by the content store.
type StoryID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for ledger events.
type IdempotencyKey struct {
	value string
}

// OrderRef is the external order reference shared with the payment gateway.
type OrderRef struct {
	value string
}

// MetadataJSON stores arbitrary event metadata.
type MetadataJSON struct {
	value string
}

// CoinAmount is a strictly positive number of coins.
type CoinAmount int64

// CoinDelta is a signed change applied to a balance.
type CoinDelta int64

// CoinBalance is a non-negative balance.
type CoinBalance int64

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

func (id AccountID) String() string {
	return id.value
}

// NewChapterID validates and normalizes a chapter id.
func NewChapterID(raw string) (ChapterID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChapterID{}, fmt.Errorf("%w: empty value", ErrInvalidChapterID)
	}
	return ChapterID{value: trimmed}, nil
}

func (id ChapterID) String() string {
	return id.value
}

// NewStoryID validates and normalizes a story id.
func NewStoryID(raw string) (StoryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StoryID{}, fmt.Errorf("%w: empty value", ErrInvalidStoryID)
	}
	return StoryID{value: trimmed}, nil
}

func (id StoryID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

func (key IdempotencyKey) String() string {
	return key.value
}

// NewOrderRef validates and normalizes an external order reference.
func NewOrderRef(raw string) (OrderRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderRef{}, fmt.Errorf("%w: empty value", ErrInvalidOrderRef)
	}
	return OrderRef{value: trimmed}, nil
}

func (ref OrderRef) String() string {
	return ref.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a flat string map into MetadataJSON.
func MetadataFromMap(values map[string]string) MetadataJSON {
	raw, err := json.Marshal(values)
	if err != nil || len(values) == 0 {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(raw)}
}

func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCoinAmount validates an amount and ensures it is strictly positive.
func NewCoinAmount(raw int64) (CoinAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoinAmount)
	}
	return CoinAmount(raw), nil
}

func (amount CoinAmount) Int64() int64 {
	return int64(amount)
}

// Credit returns the amount as a positive delta.
func (amount CoinAmount) Credit() CoinDelta {
	return CoinDelta(amount)
}

// Debit returns the amount as a negative delta.
func (amount CoinAmount) Debit() CoinDelta {
	return CoinDelta(-amount)
}

// NewCoinDelta validates a non-zero delta.
func NewCoinDelta(raw int64) (CoinDelta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be non-zero", ErrInvalidCoinDelta)
	}
	return CoinDelta(raw), nil
}

func (delta CoinDelta) Int64() int64 {
	return int64(delta)
}

// Magnitude returns the absolute value of the delta.
func (delta CoinDelta) Magnitude() CoinAmount {
	if delta < 0 {
		return CoinAmount(-delta)
	}
	return CoinAmount(delta)
}

// NewCoinBalance validates a balance read from storage.
func NewCoinBalance(raw int64) (CoinBalance, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: negative balance %d", ErrInvalidBalance, raw)
	}
	return CoinBalance(raw), nil
}

func (balance CoinBalance) Int64() int64 {
	return int64(balance)
}

// EventReason enumerates why a balance changed.
type EventReason string

const (
	ReasonTopUp           EventReason = "topup"
	ReasonChapterPurchase EventReason = "chapter_purchase"
	ReasonRefund          EventReason = "refund"
)

// ParseEventReason validates a stored reason.
func ParseEventReason(raw string) (EventReason, error) {
	switch EventReason(strings.TrimSpace(raw)) {
	case ReasonTopUp:
		return ReasonTopUp, nil
	case ReasonChapterPurchase:
		return ReasonChapterPurchase, nil
	case ReasonRefund:
		return ReasonRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventReason, raw)
	}
}

func (reason EventReason) String() string {
	return string(reason)
}

// IntentStatus defines the PaymentIntent lifecycle.
type IntentStatus string

const (
	IntentStatusPending IntentStatus = "pending"
	IntentStatusSettled IntentStatus = "settled"
	IntentStatusFailed  IntentStatus = "failed"
	IntentStatusExpired IntentStatus = "expired"
)

// ParseIntentStatus validates a stored status.
func ParseIntentStatus(raw string) (IntentStatus, error) {
	switch IntentStatus(strings.TrimSpace(raw)) {
	case IntentStatusPending:
		return IntentStatusPending, nil
	case IntentStatusSettled:
		return IntentStatusSettled, nil
	case IntentStatusFailed:
		return IntentStatusFailed, nil
	case IntentStatusExpired:
		return IntentStatusExpired, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidIntentStatus, raw)
	}
}

func (status IntentStatus) String() string {
	return string(status)
}

// Terminal reports whether no further transition is allowed.
func (status IntentStatus) Terminal() bool {
	return status != IntentStatusPending
}

// CanTransitionTo enforces monotonic transitions: only pending moves, and only to a terminal state.
func (status IntentStatus) CanTransitionTo(next IntentStatus) bool {
	return status == IntentStatusPending && next.Terminal()
}

// GatewayOutcome is the closed, vendor-neutral result of a gateway notification or poll.
type GatewayOutcome string

const (
	OutcomeSettled GatewayOutcome = "settled"
	OutcomeDenied  GatewayOutcome = "denied"
	OutcomePending GatewayOutcome = "pending"
)

func (outcome GatewayOutcome) String() string {
	return string(outcome)
}

// Account is one coin account per end user.
type Account struct {
	AccountID      AccountID
	Balance        CoinBalance
	CreatedUnixUTC int64
}

// LedgerEvent is an immutable balance-changing fact.
type LedgerEvent struct {
	EventID        string
	AccountID      AccountID
	Delta          CoinDelta
	Reason         EventReason
	IdempotencyKey IdempotencyKey
	IntentID       string
	EntitlementID  string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// EventRef optionally links an event to the record that caused it.
type EventRef struct {
	IntentID      string
	EntitlementID string
}

// EventCursor resumes a newest-first listing strictly after the last seen event.
type EventCursor struct {
	BeforeUnixUTC int64
	BeforeEventID string
}

// IsZero reports whether the cursor starts from the newest event.
func (cursor EventCursor) IsZero() bool {
	return cursor.BeforeUnixUTC == 0 && cursor.BeforeEventID == ""
}

// CursorAfter returns the cursor that continues after event.
func CursorAfter(event LedgerEvent) EventCursor {
	return EventCursor{BeforeUnixUTC: event.CreatedUnixUTC, BeforeEventID: event.EventID}
}

// CoinPackage is a purchasable bundle of coins.
type CoinPackage struct {
	PackageID string
	Name      string
	Coins     CoinAmount
	Price     decimal.Decimal
}

// PaymentIntent is one attempt to buy a coin package.
type PaymentIntent struct {
	IntentID              string
	AccountID             AccountID
	PackageID             string
	Coins                 CoinAmount
	Price                 decimal.Decimal
	OrderRef              OrderRef
	Status                IntentStatus
	ExternalTransactionID string
	PaymentMethod         string
	CreatedUnixUTC        int64
	UpdatedUnixUTC        int64
}

// IntentUpdate carries the fields written on a status transition.
type IntentUpdate struct {
	Status                IntentStatus
	ExternalTransactionID string
	PaymentMethod         string
	UpdatedUnixUTC        int64
}

// Entitlement is permanent access to one chapter for one account.
type Entitlement struct {
	EntitlementID  string
	AccountID      AccountID
	ChapterID      ChapterID
	StoryID        StoryID
	PricePaid      CoinAmount
	CreatedUnixUTC int64
}

// Chapter is read-only reference data from the content store.
type Chapter struct {
	ChapterID ChapterID
	StoryID   StoryID
	Premium   bool
	Price     CoinAmount
}

// NewChapter validates a content-store chapter; premium chapters cost 1-5 coins.
func NewChapter(chapterID ChapterID, storyID StoryID, premium bool, price int64) (Chapter, error) {
	if chapterID.String() == "" {
		return Chapter{}, fmt.Errorf("%w: empty chapter id", ErrInvalidChapterID)
	}
	if storyID.String() == "" {
		return Chapter{}, fmt.Errorf("%w: empty story id", ErrInvalidStoryID)
	}
	if !premium {
		return Chapter{ChapterID: chapterID, StoryID: storyID}, nil
	}
	if price < minChapterPrice || price > maxChapterPrice {
		return Chapter{}, fmt.Errorf("%w: %d outside %d-%d", ErrInvalidChapterPrice, price, minChapterPrice, maxChapterPrice)
	}
	return Chapter{ChapterID: chapterID, StoryID: storyID, Premium: true, Price: CoinAmount(price)}, nil
}

// Customer identifies the payer for the gateway's customer details.
type Customer struct {
	Name  string
	Email string
}

// CheckoutRequest is what the gateway needs to open a payment session.
type CheckoutRequest struct {
	OrderRef OrderRef
	Package  CoinPackage
	Customer Customer
}

// Checkout is the gateway session returned to the UI.
type Checkout struct {
	OrderRef    OrderRef
	Token       string
	RedirectURL string
	ClientKey   string
}

// GatewayEvent is a parsed callback or poll result.
type GatewayEvent struct {
	OrderRef              OrderRef
	Outcome               GatewayOutcome
	ExternalTransactionID string
	PaymentMethod         string
	GrossAmount           decimal.Decimal
}

// AppendResult is returned by Ledger.AppendEvent.
type AppendResult struct {
	Event          LedgerEvent
	AlreadyApplied bool
}

// GrantResult is returned by Entitlements.Grant.
type GrantResult struct {
	Entitlement  Entitlement
	AlreadyOwned bool
}

// PurchaseResult is returned by Service.PurchaseChapter.
type PurchaseResult struct {
	Chapter      Chapter
	Entitlement  Entitlement
	AlreadyOwned bool
	Free         bool
	Reconciled   bool
	Balance      CoinBalance
}

// HistoryPage is one page of ledger events, newest first.
type HistoryPage struct {
	Events     []LedgerEvent
	NextCursor EventCursor
	HasMore    bool
}
