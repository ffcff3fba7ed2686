package coins

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

const stubNowUnixUTC int64 = 1_700_000_000

type memoryState struct {
	accounts     map[AccountID]Account
	events       []LedgerEvent
	intents      map[OrderRef]PaymentIntent
	entitlements map[string]Entitlement
}

func (state *memoryState) clone() *memoryState {
	copied := &memoryState{
		accounts:     make(map[AccountID]Account, len(state.accounts)),
		events:       append([]LedgerEvent(nil), state.events...),
		intents:      make(map[OrderRef]PaymentIntent, len(state.intents)),
		entitlements: make(map[string]Entitlement, len(state.entitlements)),
	}
	for key, value := range state.accounts {
		copied.accounts[key] = value
	}
	for key, value := range state.intents {
		copied.intents[key] = value
	}
	for key, value := range state.entitlements {
		copied.entitlements[key] = value
	}
	return copied
}

// raceScript lets a test lose the next insert to a concurrent transaction.
// The winner's writes land in state once the losing transaction ends, as a
// READ COMMITTED database would show them to a fresh transaction.
type raceScript struct {
	eventWinner       func(loser LedgerEvent) func(state *memoryState)
	entitlementWinner func(loser Entitlement) func(state *memoryState)
	committed         []func(state *memoryState)
}

func (race *raceScript) loseEvent(event LedgerEvent) bool {
	if race.eventWinner == nil {
		return false
	}
	winner := race.eventWinner
	race.eventWinner = nil
	race.committed = append(race.committed, winner(event))
	return true
}

func (race *raceScript) loseEntitlement(entitlement Entitlement) bool {
	if race.entitlementWinner == nil {
		return false
	}
	winner := race.entitlementWinner
	race.entitlementWinner = nil
	race.committed = append(race.committed, winner(entitlement))
	return true
}

func (race *raceScript) flush(state *memoryState) {
	for _, commit := range race.committed {
		commit(state)
	}
	race.committed = nil
}

func commitEvent(state *memoryState, event LedgerEvent) {
	state.events = append(state.events, event)
	account := state.accounts[event.AccountID]
	account.Balance = CoinBalance(account.Balance.Int64() + event.Delta.Int64())
	state.accounts[event.AccountID] = account
}

func commitEntitlement(state *memoryState, entitlement Entitlement) {
	state.entitlements[entitlementKey(entitlement.AccountID, entitlement.ChapterID)] = entitlement
}

// memoryStore serializes transactions behind one mutex and restores a snapshot on rollback.
type memoryStore struct {
	mutex              *sync.Mutex
	state              *memoryState
	inTransaction      bool
	insertEntitlement  func(entitlement Entitlement) error
	race               *raceScript
	transactionCounter *int
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	counter := 0
	return &memoryStore{
		mutex: &sync.Mutex{},
		state: &memoryState{
			accounts:     make(map[AccountID]Account),
			intents:      make(map[OrderRef]PaymentIntent),
			entitlements: make(map[string]Entitlement),
		},
		race:               &raceScript{},
		transactionCounter: &counter,
	}
}

func (store *memoryStore) lock() func() {
	if store.inTransaction {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *memoryStore) seedAccount(test *testing.T, accountID AccountID, balance int64) {
	test.Helper()
	unlock := store.lock()
	defer unlock()
	store.state.accounts[accountID] = Account{AccountID: accountID, Balance: CoinBalance(balance), CreatedUnixUTC: stubNowUnixUTC}
}

func (store *memoryStore) balance(test *testing.T, accountID AccountID) int64 {
	test.Helper()
	unlock := store.lock()
	defer unlock()
	account, ok := store.state.accounts[accountID]
	if !ok {
		test.Fatalf("account %s missing", accountID)
	}
	return account.Balance.Int64()
}

func (store *memoryStore) eventCount(reason EventReason) int {
	unlock := store.lock()
	defer unlock()
	count := 0
	for _, event := range store.state.events {
		if event.Reason == reason {
			count++
		}
	}
	return count
}

func (store *memoryStore) entitlementCount() int {
	unlock := store.lock()
	defer unlock()
	return len(store.state.entitlements)
}

func (store *memoryStore) intent(test *testing.T, orderRef OrderRef) PaymentIntent {
	test.Helper()
	unlock := store.lock()
	defer unlock()
	intent, ok := store.state.intents[orderRef]
	if !ok {
		test.Fatalf("intent %s missing", orderRef)
	}
	return intent
}

func (store *memoryStore) CreateAccount(_ context.Context, accountID AccountID, createdUnixUTC int64) error {
	unlock := store.lock()
	defer unlock()
	if _, ok := store.state.accounts[accountID]; ok {
		return nil
	}
	store.state.accounts[accountID] = Account{AccountID: accountID, CreatedUnixUTC: createdUnixUTC}
	return nil
}

func (store *memoryStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	unlock := store.lock()
	defer unlock()
	account, ok := store.state.accounts[accountID]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *memoryStore) FindEvent(_ context.Context, idempotencyKey IdempotencyKey) (LedgerEvent, error) {
	unlock := store.lock()
	defer unlock()
	for _, event := range store.state.events {
		if event.IdempotencyKey == idempotencyKey {
			return event, nil
		}
	}
	return LedgerEvent{}, ErrEventNotFound
}

func (store *memoryStore) InsertEvent(_ context.Context, event LedgerEvent) error {
	unlock := store.lock()
	defer unlock()
	if store.race.loseEvent(event) {
		return ErrDuplicateIdempotencyKey
	}
	for _, existing := range store.state.events {
		if existing.IdempotencyKey == event.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.state.events = append(store.state.events, event)
	return nil
}

func (store *memoryStore) ApplyDelta(_ context.Context, accountID AccountID, delta CoinDelta) (CoinBalance, error) {
	unlock := store.lock()
	defer unlock()
	account, ok := store.state.accounts[accountID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	next := account.Balance.Int64() + delta.Int64()
	if next < 0 {
		return 0, ErrInsufficientFunds
	}
	account.Balance = CoinBalance(next)
	store.state.accounts[accountID] = account
	return account.Balance, nil
}

func (store *memoryStore) ListEvents(_ context.Context, accountID AccountID, cursor EventCursor, limit int) ([]LedgerEvent, error) {
	unlock := store.lock()
	defer unlock()
	var matched []LedgerEvent
	for _, event := range store.state.events {
		if event.AccountID != accountID {
			continue
		}
		if !cursor.IsZero() {
			older := event.CreatedUnixUTC < cursor.BeforeUnixUTC ||
				(event.CreatedUnixUTC == cursor.BeforeUnixUTC && event.EventID < cursor.BeforeEventID)
			if !older {
				continue
			}
		}
		matched = append(matched, event)
	}
	sort.Slice(matched, func(left, right int) bool {
		if matched[left].CreatedUnixUTC != matched[right].CreatedUnixUTC {
			return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
		}
		return matched[left].EventID > matched[right].EventID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func entitlementKey(accountID AccountID, chapterID ChapterID) string {
	return accountID.String() + "|" + chapterID.String()
}

func (store *memoryStore) FindEntitlement(_ context.Context, accountID AccountID, chapterID ChapterID) (Entitlement, error) {
	unlock := store.lock()
	defer unlock()
	entitlement, ok := store.state.entitlements[entitlementKey(accountID, chapterID)]
	if !ok {
		return Entitlement{}, ErrEntitlementNotFound
	}
	return entitlement, nil
}

func (store *memoryStore) InsertEntitlement(_ context.Context, entitlement Entitlement) error {
	unlock := store.lock()
	defer unlock()
	if store.insertEntitlement != nil {
		if err := store.insertEntitlement(entitlement); err != nil {
			return err
		}
	}
	if store.race.loseEntitlement(entitlement) {
		return ErrDuplicateEntitlement
	}
	key := entitlementKey(entitlement.AccountID, entitlement.ChapterID)
	if _, ok := store.state.entitlements[key]; ok {
		return ErrDuplicateEntitlement
	}
	store.state.entitlements[key] = entitlement
	return nil
}

func (store *memoryStore) ListEntitledChapters(_ context.Context, accountID AccountID, storyID StoryID) ([]ChapterID, error) {
	unlock := store.lock()
	defer unlock()
	var chapters []ChapterID
	for _, entitlement := range store.state.entitlements {
		if entitlement.AccountID == accountID && entitlement.StoryID == storyID {
			chapters = append(chapters, entitlement.ChapterID)
		}
	}
	sort.Slice(chapters, func(left, right int) bool { return chapters[left].String() < chapters[right].String() })
	return chapters, nil
}

func (store *memoryStore) CreateIntent(_ context.Context, intent PaymentIntent) error {
	unlock := store.lock()
	defer unlock()
	if _, ok := store.state.intents[intent.OrderRef]; ok {
		return ErrDuplicateOrderRef
	}
	store.state.intents[intent.OrderRef] = intent
	return nil
}

func (store *memoryStore) GetIntent(_ context.Context, orderRef OrderRef) (PaymentIntent, error) {
	unlock := store.lock()
	defer unlock()
	intent, ok := store.state.intents[orderRef]
	if !ok {
		return PaymentIntent{}, ErrUnknownIntent
	}
	return intent, nil
}

func (store *memoryStore) UpdateIntent(_ context.Context, orderRef OrderRef, from IntentStatus, update IntentUpdate) error {
	unlock := store.lock()
	defer unlock()
	intent, ok := store.state.intents[orderRef]
	if !ok {
		return ErrUnknownIntent
	}
	if intent.Status != from {
		return ErrIntentClosed
	}
	store.state.intents[orderRef] = applyIntentUpdate(intent, update)
	return nil
}

func (store *memoryStore) ListPendingIntents(_ context.Context, createdBeforeUnixUTC int64, limit int) ([]PaymentIntent, error) {
	unlock := store.lock()
	defer unlock()
	var pending []PaymentIntent
	for _, intent := range store.state.intents {
		if intent.Status == IntentStatusPending && intent.CreatedUnixUTC < createdBeforeUnixUTC {
			pending = append(pending, intent)
		}
	}
	sort.Slice(pending, func(left, right int) bool { return pending[left].CreatedUnixUTC < pending[right].CreatedUnixUTC })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (store *memoryStore) ListAccountIntents(_ context.Context, accountID AccountID, limit int) ([]PaymentIntent, error) {
	unlock := store.lock()
	defer unlock()
	var intents []PaymentIntent
	for _, intent := range store.state.intents {
		if intent.AccountID == accountID {
			intents = append(intents, intent)
		}
	}
	sort.Slice(intents, func(left, right int) bool { return intents[left].CreatedUnixUTC > intents[right].CreatedUnixUTC })
	if len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTransaction {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	*store.transactionCounter++
	snapshot := store.state.clone()
	transactional := &memoryStore{
		mutex:              store.mutex,
		state:              store.state,
		inTransaction:      true,
		insertEntitlement:  store.insertEntitlement,
		race:               store.race,
		transactionCounter: store.transactionCounter,
	}
	defer store.race.flush(store.state)
	if err := fn(ctx, transactional); err != nil {
		*store.state = *snapshot
		return err
	}
	return nil
}

type stubCatalog struct {
	chapters map[ChapterID]Chapter
}

func newStubCatalog(chapters ...Chapter) *stubCatalog {
	catalog := &stubCatalog{chapters: make(map[ChapterID]Chapter)}
	for _, chapter := range chapters {
		catalog.chapters[chapter.ChapterID] = chapter
	}
	return catalog
}

func (catalog *stubCatalog) Chapter(_ context.Context, chapterID ChapterID) (Chapter, error) {
	chapter, ok := catalog.chapters[chapterID]
	if !ok {
		return Chapter{}, ErrUnknownChapter
	}
	return chapter, nil
}

type stubGateway struct {
	mutex         sync.Mutex
	checkoutErr   error
	callbackEvent GatewayEvent
	callbackErr   error
	pollEvent     GatewayEvent
	pollErr       error
	checkouts     []CheckoutRequest
	polls         int
}

func (gateway *stubGateway) CreateCheckout(_ context.Context, request CheckoutRequest) (Checkout, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.checkouts = append(gateway.checkouts, request)
	if gateway.checkoutErr != nil {
		return Checkout{}, gateway.checkoutErr
	}
	return Checkout{Token: "snap-token-" + request.OrderRef.String(), RedirectURL: "https://pay.example/" + request.OrderRef.String(), ClientKey: "client-key"}, nil
}

func (gateway *stubGateway) ParseCallback(_ context.Context, _ []byte) (GatewayEvent, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return gateway.callbackEvent, gateway.callbackErr
}

func (gateway *stubGateway) PollStatus(_ context.Context, _ OrderRef) (GatewayEvent, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.polls++
	return gateway.pollEvent, gateway.pollErr
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations() []string {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	names := make([]string, 0, len(logger.entries))
	for _, entry := range logger.entries {
		names = append(names, entry.Operation)
	}
	return names
}

type recorderPublisher struct {
	mutex  sync.Mutex
	events []DomainEvent
	err    error
}

func (publisher *recorderPublisher) Publish(_ context.Context, event DomainEvent) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, event)
	return publisher.err
}

func (publisher *recorderPublisher) types() []DomainEventType {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	types := make([]DomainEventType, 0, len(publisher.events))
	for _, event := range publisher.events {
		types = append(types, event.Type)
	}
	return types
}

func mustNewService(test *testing.T, store Store, catalog ChapterCatalog, gateway PaymentGateway, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, catalog, gateway, func() int64 { return stubNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustChapterID(test *testing.T, raw string) ChapterID {
	test.Helper()
	chapterID, err := NewChapterID(raw)
	if err != nil {
		test.Fatalf("chapter id: %v", err)
	}
	return chapterID
}

func mustStoryID(test *testing.T, raw string) StoryID {
	test.Helper()
	storyID, err := NewStoryID(raw)
	if err != nil {
		test.Fatalf("story id: %v", err)
	}
	return storyID
}

func mustOrderRef(test *testing.T, raw string) OrderRef {
	test.Helper()
	orderRef, err := NewOrderRef(raw)
	if err != nil {
		test.Fatalf("order ref: %v", err)
	}
	return orderRef
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustPremiumChapter(test *testing.T, chapterID string, storyID string, price int64) Chapter {
	test.Helper()
	chapter, err := NewChapter(mustChapterID(test, chapterID), mustStoryID(test, storyID), true, price)
	if err != nil {
		test.Fatalf("chapter: %v", err)
	}
	return chapter
}

func mustFreeChapter(test *testing.T, chapterID string, storyID string) Chapter {
	test.Helper()
	chapter, err := NewChapter(mustChapterID(test, chapterID), mustStoryID(test, storyID), false, 0)
	if err != nil {
		test.Fatalf("chapter: %v", err)
	}
	return chapter
}

func testPackage(coins int64, price int64) CoinPackage {
	return CoinPackage{PackageID: "pkg-test", Name: "test", Coins: CoinAmount(coins), Price: decimal.NewFromInt(price)}
}

func fixedOrderRef(test *testing.T, raw string) ServiceOption {
	test.Helper()
	orderRef := mustOrderRef(test, raw)
	return WithOrderRefGenerator(func(CoinPackage) (OrderRef, error) { return orderRef, nil })
}
