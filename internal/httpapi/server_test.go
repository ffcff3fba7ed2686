package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/internal/catalog"
	"github.com/MarkoPoloResearchLab/storycoins/internal/database"
	"github.com/MarkoPoloResearchLab/storycoins/internal/metrics"
	"github.com/MarkoPoloResearchLab/storycoins/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const testSigningKey = "test-signing-key"

// scriptedGateway accepts callbacks signed "valid" and answers polls with a settable outcome.
type scriptedGateway struct {
	mutex       sync.Mutex
	pollOutcome coins.GatewayOutcome
	pollErr     error
	checkoutErr error
}

type fakeNotification struct {
	OrderID   string `json:"order_id"`
	Outcome   string `json:"outcome"`
	Signature string `json:"signature"`
}

func (gateway *scriptedGateway) CreateCheckout(_ context.Context, request coins.CheckoutRequest) (coins.Checkout, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.checkoutErr != nil {
		return coins.Checkout{}, gateway.checkoutErr
	}
	return coins.Checkout{Token: "snap-" + request.OrderRef.String(), RedirectURL: "https://pay.test/" + request.OrderRef.String(), ClientKey: "client"}, nil
}

func (gateway *scriptedGateway) ParseCallback(_ context.Context, rawPayload []byte) (coins.GatewayEvent, error) {
	var notification fakeNotification
	if err := json.Unmarshal(rawPayload, &notification); err != nil {
		return coins.GatewayEvent{}, coins.ErrInvalidGatewayPayload
	}
	if notification.Signature != "valid" {
		return coins.GatewayEvent{}, coins.ErrInvalidSignature
	}
	orderRef, err := coins.NewOrderRef(notification.OrderID)
	if err != nil {
		return coins.GatewayEvent{}, coins.ErrInvalidGatewayPayload
	}
	return coins.GatewayEvent{OrderRef: orderRef, Outcome: coins.GatewayOutcome(notification.Outcome), ExternalTransactionID: "trx-" + notification.OrderID}, nil
}

func (gateway *scriptedGateway) PollStatus(_ context.Context, orderRef coins.OrderRef) (coins.GatewayEvent, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.pollErr != nil {
		return coins.GatewayEvent{}, gateway.pollErr
	}
	return coins.GatewayEvent{OrderRef: orderRef, Outcome: gateway.pollOutcome}, nil
}

func (gateway *scriptedGateway) setPoll(outcome coins.GatewayOutcome, err error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.pollOutcome = outcome
	gateway.pollErr = err
}

type testServer struct {
	router  http.Handler
	cfg     Config
	gateway *scriptedGateway
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	connection, err := database.Open(ctx, t.TempDir()+"/storycoins.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = connection.Close() })
	require.NoError(t, connection.Migrate(append(gormstore.Models(), catalog.Models()...)...))

	chapters, err := catalog.New(connection.DB, catalog.DefaultPackages()...)
	require.NoError(t, err)
	require.NoError(t, chapters.SaveChapter(ctx, catalog.Chapter{ChapterID: "ch-1", StoryID: "story-1", Title: "Bab 1"}))
	require.NoError(t, chapters.SaveChapter(ctx, catalog.Chapter{ChapterID: "ch-2", StoryID: "story-1", Title: "Bab 2", IsPremium: true, CoinPrice: 3}))
	require.NoError(t, chapters.SaveChapter(ctx, catalog.Chapter{ChapterID: "ch-3", StoryID: "story-1", Title: "Bab 3", IsPremium: true, CoinPrice: 5}))

	gateway := &scriptedGateway{pollOutcome: coins.OutcomePending}
	registry := metrics.New()
	store := gormstore.New(connection.DB)
	var clock atomic.Int64
	clock.Store(1_700_000_000)
	now := func() int64 { return clock.Add(1) }
	service, err := coins.NewService(store, chapters, gateway, now, coins.WithOperationLogger(registry))
	require.NoError(t, err)
	queries, err := coins.NewQueries(store, chapters)
	require.NoError(t, err)

	cfg := Config{
		AllowedOrigins:    []string{"http://localhost:5173"},
		SessionSigningKey: testSigningKey,
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
	}
	router, err := NewRouter(cfg, Dependencies{Service: service, Queries: queries, Packages: chapters, Metrics: registry.Handler()})
	require.NoError(t, err)
	return &testServer{router: router, cfg: cfg, gateway: gateway, metrics: registry}
}

func buildSessionCookie(t *testing.T, cfg Config, userID string) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: "Reader " + userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.SessionSigningKey))
	require.NoError(t, err)
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func (server *testServer) do(t *testing.T, method string, path string, cookie *http.Cookie, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 && recorder.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(recorder.Body.Bytes(), &decoded)
	}
	return recorder.Code, decoded
}

func errorCode(body map[string]any) string {
	envelope, _ := body["error"].(map[string]any)
	code, _ := envelope["code"].(string)
	return code
}

func (server *testServer) topUp(t *testing.T, cookie *http.Cookie, packageID string) string {
	t.Helper()
	status, body := server.do(t, http.MethodPost, "/api/topups", cookie, map[string]any{"package_id": packageID})
	require.Equal(t, http.StatusCreated, status, body)
	checkout := body["checkout"].(map[string]any)
	return checkout["order_ref"].(string)
}

func (server *testServer) webhook(t *testing.T, orderRef string, outcome coins.GatewayOutcome, signature string) (int, map[string]any) {
	t.Helper()
	return server.do(t, http.MethodPost, "/webhooks/midtrans", nil, fakeNotification{OrderID: orderRef, Outcome: string(outcome), Signature: signature})
}

func TestAPIRequiresSession(t *testing.T) {
	server := newTestServer(t)
	status, _ := server.do(t, http.MethodGet, "/api/wallet", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := server.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestTopUpAndChapterPurchaseFlow(t *testing.T) {
	server := newTestServer(t)
	cookie := buildSessionCookie(t, server.cfg, "reader-1")

	status, body := server.do(t, http.MethodPost, "/api/account", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["account"].(map[string]any)["balance"])

	status, body = server.do(t, http.MethodPost, "/api/chapters/ch-2/purchase", cookie, map[string]any{"story_id": "story-1"})
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_funds", errorCode(body))

	orderRef := server.topUp(t, cookie, "basic")
	status, body = server.webhook(t, orderRef, coins.OutcomeSettled, "valid")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "settled", body["status"])

	// Duplicate notification credits nothing.
	status, _ = server.webhook(t, orderRef, coins.OutcomeSettled, "valid")
	require.Equal(t, http.StatusOK, status)

	status, body = server.do(t, http.MethodGet, "/api/wallet", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(50), body["wallet"].(map[string]any)["balance"])

	status, body = server.do(t, http.MethodPost, "/api/chapters/ch-2/purchase", cookie, map[string]any{"story_id": "story-1"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "unlocked", body["status"])
	assert.Equal(t, float64(47), body["balance"])

	status, body = server.do(t, http.MethodPost, "/api/chapters/ch-2/purchase", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "already_owned", body["status"])
	assert.Equal(t, float64(47), body["balance"])

	status, body = server.do(t, http.MethodPost, "/api/chapters/ch-1/purchase", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "free", body["status"])

	status, body = server.do(t, http.MethodGet, "/api/chapters/ch-2/access", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["unlocked"])
	status, body = server.do(t, http.MethodGet, "/api/chapters/ch-3/access", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["unlocked"])
	assert.Equal(t, float64(5), body["price"])

	status, body = server.do(t, http.MethodGet, "/api/stories/story-1/unlocked", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"ch-2"}, body["chapter_ids"])

	status, body = server.do(t, http.MethodGet, "/api/transactions?limit=1", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "chapter_purchase", entries[0].(map[string]any)["reason"])
	assert.Equal(t, true, body["has_more"])
	nextCursor := body["next_cursor"].(map[string]any)

	path := "/api/transactions?limit=5&before_unix_utc=" + jsonNumber(nextCursor["before_unix_utc"]) + "&before_event_id=" + nextCursor["before_event_id"].(string)
	status, body = server.do(t, http.MethodGet, path, cookie, nil)
	require.Equal(t, http.StatusOK, status)
	entries = body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "topup", entries[0].(map[string]any)["reason"])
	assert.Equal(t, false, body["has_more"])

	status, body = server.do(t, http.MethodGet, "/api/topups", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	topups := body["topups"].([]any)
	require.Len(t, topups, 1)
	assert.Equal(t, "settled", topups[0].(map[string]any)["status"])
}

func TestWebhookRejectsForgedSignature(t *testing.T) {
	server := newTestServer(t)
	cookie := buildSessionCookie(t, server.cfg, "reader-2")
	orderRef := server.topUp(t, cookie, "premium")

	status, body := server.webhook(t, orderRef, coins.OutcomeSettled, "forged")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", errorCode(body))

	status, body = server.webhook(t, "HUNT-premium-missing", coins.OutcomeSettled, "valid")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_intent", errorCode(body))

	_, body = server.do(t, http.MethodGet, "/api/wallet", cookie, nil)
	assert.Equal(t, float64(0), body["wallet"].(map[string]any)["balance"])
}

func TestRefreshAndFinishPollGateway(t *testing.T) {
	server := newTestServer(t)
	cookie := buildSessionCookie(t, server.cfg, "reader-3")
	orderRef := server.topUp(t, cookie, "basic")

	server.gateway.setPoll(coins.OutcomePending, coins.ErrGatewayUnavailable)
	status, body := server.do(t, http.MethodPost, "/api/topups/"+orderRef+"/refresh", cookie, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "gateway_unavailable", errorCode(body))

	status, body = server.do(t, http.MethodGet, "/payments/finish?order_id="+orderRef, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pending", body["status"])

	server.gateway.setPoll(coins.OutcomeSettled, nil)
	status, body = server.do(t, http.MethodGet, "/payments/finish?order_id="+orderRef, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "settled", body["status"])

	status, body = server.do(t, http.MethodPost, "/api/topups/"+orderRef+"/refresh", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "settled", body["topup"].(map[string]any)["status"])
	assert.Equal(t, float64(50), body["balance"])

	other := buildSessionCookie(t, server.cfg, "reader-4")
	status, body = server.do(t, http.MethodPost, "/api/topups/"+orderRef+"/refresh", other, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_intent", errorCode(body))
}

func TestTopUpErrors(t *testing.T) {
	server := newTestServer(t)
	cookie := buildSessionCookie(t, server.cfg, "reader-5")

	status, body := server.do(t, http.MethodPost, "/api/topups", cookie, map[string]any{"package_id": "mega"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unknown_package", errorCode(body))

	status, _ = server.do(t, http.MethodPost, "/api/topups", cookie, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	server.gateway.mutex.Lock()
	server.gateway.checkoutErr = coins.ErrGatewayRejected
	server.gateway.mutex.Unlock()
	status, body = server.do(t, http.MethodPost, "/api/topups", cookie, map[string]any{"package_id": "basic"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "gateway_rejected", errorCode(body))

	_, body = server.do(t, http.MethodGet, "/api/topups", cookie, nil)
	topups := body["topups"].([]any)
	require.Len(t, topups, 1)
	assert.Equal(t, "failed", topups[0].(map[string]any)["status"])

	status, body = server.do(t, http.MethodGet, "/api/chapters/nope/access", cookie, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_chapter", errorCode(body))

	status, _ = server.do(t, http.MethodGet, "/api/transactions?limit=-1", cookie, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = server.do(t, http.MethodGet, "/api/transactions?limit=500", cookie, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_limit", errorCode(body))

	status, body = server.do(t, http.MethodGet, "/api/topups?limit=500", cookie, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_limit", errorCode(body))
}

func TestPackagesAndMetrics(t *testing.T) {
	server := newTestServer(t)
	cookie := buildSessionCookie(t, server.cfg, "reader-6")

	status, body := server.do(t, http.MethodGet, "/api/packages", cookie, nil)
	require.Equal(t, http.StatusOK, status)
	packages := body["packages"].([]any)
	require.Len(t, packages, 3)
	first := packages[0].(map[string]any)
	assert.Equal(t, "basic", first["package_id"])
	assert.Equal(t, "25000", first["price"])

	server.do(t, http.MethodPost, "/api/account", cookie, nil)
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "storycoins_operations_total")
}

func jsonNumber(value any) string {
	raw, _ := json.Marshal(value)
	return string(raw)
}
