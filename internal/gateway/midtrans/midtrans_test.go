package midtrans

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testServerKey = "SB-Mid-server-test"
	testClientKey = "SB-Mid-client-test"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{
		ServerKey:         testServerKey,
		ClientKey:         testClientKey,
		SnapBaseURL:       server.URL + "/snap/v1",
		APIBaseURL:        server.URL,
		FinishRedirectURL: "https://storycoins.test/payments/finish",
	})
	require.NoError(t, err)
	return client
}

func mustOrderRef(t *testing.T, raw string) coins.OrderRef {
	t.Helper()
	orderRef, err := coins.NewOrderRef(raw)
	require.NoError(t, err)
	return orderRef
}

func premiumPackage() coins.CoinPackage {
	return coins.CoinPackage{PackageID: "premium", Name: "Paket Premium", Coins: 150, Price: decimal.NewFromInt(65000)}
}

func signedNotification(t *testing.T, fields map[string]string) []byte {
	t.Helper()
	fields["signature_key"] = Signature(fields["order_id"], fields["status_code"], fields["gross_amount"], testServerKey)
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func TestCreateCheckout(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, http.MethodPost, request.Method)
		assert.Equal(t, "/snap/v1/transactions", request.URL.Path)
		username, password, ok := request.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, testServerKey, username)
		assert.Empty(t, password)
		body, err := io.ReadAll(request.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &captured))
		writer.WriteHeader(http.StatusCreated)
		_, _ = writer.Write([]byte(`{"token":"snap-token","redirect_url":"https://app.sandbox.midtrans.com/snap/v2/vtweb/snap-token"}`))
	})

	orderRef := mustOrderRef(t, "HUNT-premium-1")
	checkout, err := client.CreateCheckout(context.Background(), coins.CheckoutRequest{
		OrderRef: orderRef,
		Package:  premiumPackage(),
		Customer: coins.Customer{Name: "Sari", Email: "sari@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "snap-token", checkout.Token)
	assert.Equal(t, testClientKey, checkout.ClientKey)
	assert.Equal(t, orderRef, checkout.OrderRef)
	assert.Contains(t, checkout.RedirectURL, "snap-token")

	details := captured["transaction_details"].(map[string]any)
	assert.Equal(t, "HUNT-premium-1", details["order_id"])
	assert.Equal(t, float64(65000), details["gross_amount"])
	assert.Equal(t, true, captured["credit_card"].(map[string]any)["secure"])
	assert.Equal(t, "Sari", captured["customer_details"].(map[string]any)["first_name"])
	items := captured["item_details"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "premium", item["id"])
	assert.Equal(t, float64(1), item["quantity"])
	assert.Equal(t, "150 Koin Hunt", item["name"])
	assert.Equal(t, "https://storycoins.test/payments/finish", captured["callbacks"].(map[string]any)["finish"])
}

func TestCreateCheckoutErrorMapping(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "server error", status: http.StatusBadGateway, body: `oops`, wantErr: coins.ErrGatewayUnavailable},
		{name: "validation error", status: http.StatusBadRequest, body: `{"error_messages":["gross_amount is required"]}`, wantErr: coins.ErrGatewayRejected},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error_messages":["Access denied"]}`, wantErr: coins.ErrGatewayRejected},
		{name: "missing token", status: http.StatusCreated, body: `{}`, wantErr: coins.ErrInvalidGatewayPayload},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			})
			_, err := client.CreateCheckout(context.Background(), coins.CheckoutRequest{
				OrderRef: mustOrderRef(t, "HUNT-basic-1"),
				Package:  premiumPackage(),
			})
			assert.ErrorIs(t, err, testCase.wantErr)
		})
	}
}

func TestCreateCheckoutNetworkFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()

	client, err := New(Config{ServerKey: testServerKey, ClientKey: testClientKey, SnapBaseURL: serverURL})
	require.NoError(t, err)
	_, err = client.CreateCheckout(context.Background(), coins.CheckoutRequest{
		OrderRef: mustOrderRef(t, "HUNT-basic-2"),
		Package:  premiumPackage(),
	})
	assert.ErrorIs(t, err, coins.ErrGatewayUnavailable)
}

func TestParseCallback(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {})

	raw := signedNotification(t, map[string]string{
		"order_id":           "HUNT-premium-9",
		"status_code":        "200",
		"gross_amount":       "65000.00",
		"transaction_status": "settlement",
		"transaction_id":     "trx-9",
		"payment_type":       "qris",
	})
	event, err := client.ParseCallback(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, coins.OutcomeSettled, event.Outcome)
	assert.Equal(t, "HUNT-premium-9", event.OrderRef.String())
	assert.Equal(t, "trx-9", event.ExternalTransactionID)
	assert.Equal(t, "qris", event.PaymentMethod)
	assert.True(t, event.GrossAmount.Equal(decimal.NewFromInt(65000)))
}

func TestParseCallbackRejectsForgedSignature(t *testing.T) {
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {})

	raw := signedNotification(t, map[string]string{
		"order_id":           "HUNT-premium-9",
		"status_code":        "200",
		"gross_amount":       "65000.00",
		"transaction_status": "settlement",
	})
	tampered := strings.Replace(string(raw), "65000.00", "650000.00", 1)

	_, err := client.ParseCallback(context.Background(), []byte(tampered))
	assert.ErrorIs(t, err, coins.ErrInvalidSignature)

	_, err = client.ParseCallback(context.Background(), []byte(`{"order_id":"HUNT-1"}`))
	assert.ErrorIs(t, err, coins.ErrInvalidGatewayPayload)

	_, err = client.ParseCallback(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, coins.ErrInvalidGatewayPayload)
}

func TestMapOutcome(t *testing.T) {
	testCases := []struct {
		transaction string
		fraud       string
		want        coins.GatewayOutcome
	}{
		{transaction: "capture", fraud: "accept", want: coins.OutcomeSettled},
		{transaction: "capture", fraud: "", want: coins.OutcomeSettled},
		{transaction: "settlement", fraud: "", want: coins.OutcomeSettled},
		{transaction: "capture", fraud: "challenge", want: coins.OutcomePending},
		{transaction: "deny", want: coins.OutcomeDenied},
		{transaction: "cancel", want: coins.OutcomeDenied},
		{transaction: "expire", want: coins.OutcomeDenied},
		{transaction: "failure", want: coins.OutcomeDenied},
		{transaction: "pending", want: coins.OutcomePending},
		{transaction: "authorize", want: coins.OutcomePending},
		{transaction: "", want: coins.OutcomePending},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.want, MapOutcome(testCase.transaction, testCase.fraud), "%s/%s", testCase.transaction, testCase.fraud)
	}
}

func TestPollStatus(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		body        string
		wantOutcome coins.GatewayOutcome
		wantErr     error
	}{
		{
			name:        "settled",
			status:      http.StatusOK,
			body:        `{"status_code":"200","order_id":"HUNT-basic-5","gross_amount":"25000.00","transaction_status":"settlement","transaction_id":"trx-5","payment_type":"gopay"}`,
			wantOutcome: coins.OutcomeSettled,
		},
		{
			name:        "denied",
			status:      http.StatusOK,
			body:        `{"status_code":"202","order_id":"HUNT-basic-5","gross_amount":"25000.00","transaction_status":"deny"}`,
			wantOutcome: coins.OutcomeDenied,
		},
		{
			name:        "embedded not found",
			status:      http.StatusOK,
			body:        `{"status_code":"404","status_message":"Transaction doesn't exist."}`,
			wantOutcome: coins.OutcomePending,
		},
		{name: "http not found", status: http.StatusNotFound, body: `{}`, wantOutcome: coins.OutcomePending},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: `down`, wantErr: coins.ErrGatewayUnavailable},
		{name: "bad payload", status: http.StatusOK, body: `{"status_code":"200","gross_amount":"abc","transaction_status":"settlement"}`, wantErr: coins.ErrInvalidGatewayPayload},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
				assert.Equal(t, http.MethodGet, request.Method)
				assert.Equal(t, "/v2/HUNT-basic-5/status", request.URL.Path)
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			})
			event, err := client.PollStatus(context.Background(), mustOrderRef(t, "HUNT-basic-5"))
			if testCase.wantErr != nil {
				assert.ErrorIs(t, err, testCase.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.wantOutcome, event.Outcome)
			assert.Equal(t, "HUNT-basic-5", event.OrderRef.String())
		})
	}
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New(Config{ClientKey: testClientKey})
	assert.ErrorIs(t, err, coins.ErrInvalidServiceConfig)
	_, err = New(Config{ServerKey: testServerKey})
	assert.ErrorIs(t, err, coins.ErrInvalidServiceConfig)
}

func TestOrderRefGenerator(t *testing.T) {
	generator, err := NewOrderRefGenerator(7)
	require.NoError(t, err)

	var (
		mutex sync.Mutex
		seen  = map[string]bool{}
		group sync.WaitGroup
	)
	for worker := 0; worker < 8; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			for index := 0; index < 50; index++ {
				orderRef, err := generator.Next(premiumPackage())
				assert.NoError(t, err)
				mutex.Lock()
				seen[orderRef.String()] = true
				mutex.Unlock()
			}
		}()
	}
	group.Wait()
	assert.Len(t, seen, 400)
	for orderRef := range seen {
		assert.True(t, strings.HasPrefix(orderRef, "HUNT-premium-"), orderRef)
		break
	}

	_, err = NewOrderRefGenerator(5000)
	assert.ErrorIs(t, err, coins.ErrInvalidServiceConfig)
}
