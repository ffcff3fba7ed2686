// Package midtrans adapts the Midtrans Snap and Core status APIs to coins.PaymentGateway.
package midtrans

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/shopspring/decimal"
)

const (
	DefaultSnapBaseURL = "https://app.sandbox.midtrans.com/snap/v1"
	DefaultAPIBaseURL  = "https://api.sandbox.midtrans.com"
	defaultTimeout     = 10 * time.Second

	snapTransactionsPath = "/transactions"
	statusPathFormat     = "/v2/%s/status"

	statusCodeNotFound = "404"

	transactionCapture    = "capture"
	transactionSettlement = "settlement"
	transactionDeny       = "deny"
	transactionCancel     = "cancel"
	transactionExpire     = "expire"
	transactionFailure    = "failure"
	fraudAccept           = "accept"

	itemNameFormat   = "%d Koin Hunt"
	maxErrorBodySize = 4096

	errorOperationGateway = "gateway"
	errorSubjectCheckout  = "checkout"
	errorSubjectCallback  = "callback"
	errorSubjectStatus    = "status"
	errorCodeRequest      = "request"
	errorCodeResponse     = "response"
	errorCodeDecode       = "decode"
	errorCodeSignature    = "signature"
)

// Config holds Midtrans credentials and endpoints.
type Config struct {
	ServerKey         string
	ClientKey         string
	SnapBaseURL       string
	APIBaseURL        string
	FinishRedirectURL string
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// Client implements coins.PaymentGateway.
type Client struct {
	serverKey         string
	clientKey         string
	snapBaseURL       string
	apiBaseURL        string
	finishRedirectURL string
	httpClient        *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ServerKey) == "" {
		return nil, fmt.Errorf("%w: midtrans server key is required", coins.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(cfg.ClientKey) == "" {
		return nil, fmt.Errorf("%w: midtrans client key is required", coins.ErrInvalidServiceConfig)
	}
	snapBaseURL := strings.TrimRight(cfg.SnapBaseURL, "/")
	if snapBaseURL == "" {
		snapBaseURL = DefaultSnapBaseURL
	}
	apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		serverKey:         cfg.ServerKey,
		clientKey:         cfg.ClientKey,
		snapBaseURL:       snapBaseURL,
		apiBaseURL:        apiBaseURL,
		finishRedirectURL: cfg.FinishRedirectURL,
		httpClient:        httpClient,
	}, nil
}

type snapRequest struct {
	TransactionDetails transactionDetails `json:"transaction_details"`
	CreditCard         creditCard         `json:"credit_card"`
	CustomerDetails    customerDetails    `json:"customer_details"`
	ItemDetails        []itemDetail       `json:"item_details"`
	Callbacks          *snapCallbacks     `json:"callbacks,omitempty"`
}

type transactionDetails struct {
	OrderID     string      `json:"order_id"`
	GrossAmount json.Number `json:"gross_amount"`
}

type creditCard struct {
	Secure bool `json:"secure"`
}

type customerDetails struct {
	FirstName string `json:"first_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

type itemDetail struct {
	ID       string      `json:"id"`
	Price    json.Number `json:"price"`
	Quantity int         `json:"quantity"`
	Name     string      `json:"name"`
}

type snapCallbacks struct {
	Finish string `json:"finish"`
}

type snapResponse struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

// notification is both the HTTP notification body and the status API response.
type notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
	PaymentType       string `json:"payment_type"`
	StatusMessage     string `json:"status_message"`
}

// CreateCheckout opens a Snap session for the request's order reference.
func (client *Client) CreateCheckout(ctx context.Context, request coins.CheckoutRequest) (coins.Checkout, error) {
	amount := json.Number(request.Package.Price.String())
	body := snapRequest{
		TransactionDetails: transactionDetails{OrderID: request.OrderRef.String(), GrossAmount: amount},
		CreditCard:         creditCard{Secure: true},
		CustomerDetails:    customerDetails{FirstName: request.Customer.Name, Email: request.Customer.Email},
		ItemDetails: []itemDetail{{
			ID:       request.Package.PackageID,
			Price:    amount,
			Quantity: 1,
			Name:     fmt.Sprintf(itemNameFormat, request.Package.Coins.Int64()),
		}},
	}
	if client.finishRedirectURL != "" {
		body.Callbacks = &snapCallbacks{Finish: client.finishRedirectURL}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return coins.Checkout{}, coins.WrapError(errorOperationGateway, errorSubjectCheckout, errorCodeRequest, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.snapBaseURL+snapTransactionsPath, bytes.NewReader(payload))
	if err != nil {
		return coins.Checkout{}, coins.WrapError(errorOperationGateway, errorSubjectCheckout, errorCodeRequest, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	client.authorize(httpRequest)

	responseBody, statusCode, err := client.do(httpRequest)
	if err != nil {
		return coins.Checkout{}, coins.WrapError(errorOperationGateway, errorSubjectCheckout, errorCodeRequest, err)
	}
	if err := classifyStatus(statusCode, responseBody); err != nil {
		return coins.Checkout{}, coins.WrapError(errorOperationGateway, errorSubjectCheckout, errorCodeResponse, err)
	}

	var decoded snapResponse
	if err := json.Unmarshal(responseBody, &decoded); err != nil {
		return coins.Checkout{}, coins.WrapError(errorOperationGateway, errorSubjectCheckout, errorCodeDecode,
			fmt.Errorf("%w: %v", coins.ErrInvalidGatewayPayload, err))
	}
	if decoded.Token == "" {
		return coins.Checkout{}, coins.WrapError(errorOperationGateway, errorSubjectCheckout, errorCodeDecode,
			fmt.Errorf("%w: missing snap token", coins.ErrInvalidGatewayPayload))
	}
	return coins.Checkout{
		OrderRef:    request.OrderRef,
		Token:       decoded.Token,
		RedirectURL: decoded.RedirectURL,
		ClientKey:   client.clientKey,
	}, nil
}

// ParseCallback verifies the notification signature and maps the vendor status.
func (client *Client) ParseCallback(_ context.Context, rawPayload []byte) (coins.GatewayEvent, error) {
	var payload notification
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectCallback, errorCodeDecode,
			fmt.Errorf("%w: %v", coins.ErrInvalidGatewayPayload, err))
	}
	if payload.OrderID == "" || payload.StatusCode == "" || payload.GrossAmount == "" {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectCallback, errorCodeDecode,
			fmt.Errorf("%w: missing order_id, status_code or gross_amount", coins.ErrInvalidGatewayPayload))
	}
	expected := Signature(payload.OrderID, payload.StatusCode, payload.GrossAmount, client.serverKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(payload.SignatureKey))) != 1 {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectCallback, errorCodeSignature, coins.ErrInvalidSignature)
	}
	event, err := toGatewayEvent(payload)
	if err != nil {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectCallback, errorCodeDecode, err)
	}
	return event, nil
}

// PollStatus queries the Core status API. An order the gateway has not seen yet is Pending.
func (client *Client) PollStatus(ctx context.Context, orderRef coins.OrderRef) (coins.GatewayEvent, error) {
	endpoint := client.apiBaseURL + fmt.Sprintf(statusPathFormat, url.PathEscape(orderRef.String()))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectStatus, errorCodeRequest, err)
	}
	client.authorize(httpRequest)

	responseBody, statusCode, err := client.do(httpRequest)
	if err != nil {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectStatus, errorCodeRequest, err)
	}
	if statusCode == http.StatusNotFound {
		return coins.GatewayEvent{OrderRef: orderRef, Outcome: coins.OutcomePending}, nil
	}
	if err := classifyStatus(statusCode, responseBody); err != nil {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectStatus, errorCodeResponse, err)
	}

	var payload notification
	if err := json.Unmarshal(responseBody, &payload); err != nil {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectStatus, errorCodeDecode,
			fmt.Errorf("%w: %v", coins.ErrInvalidGatewayPayload, err))
	}
	// The status API answers 200 with an embedded 404 for unknown orders.
	if payload.StatusCode == statusCodeNotFound {
		return coins.GatewayEvent{OrderRef: orderRef, Outcome: coins.OutcomePending}, nil
	}
	if payload.OrderID == "" {
		payload.OrderID = orderRef.String()
	}
	event, err := toGatewayEvent(payload)
	if err != nil {
		return coins.GatewayEvent{}, coins.WrapError(errorOperationGateway, errorSubjectStatus, errorCodeDecode, err)
	}
	return event, nil
}

// Signature computes the notification signature_key.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	digest := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(digest[:])
}

// MapOutcome reduces a Midtrans transaction and fraud status to a gateway outcome.
func MapOutcome(transactionStatus, fraudStatus string) coins.GatewayOutcome {
	switch strings.ToLower(transactionStatus) {
	case transactionCapture, transactionSettlement:
		if fraudStatus == "" || strings.EqualFold(fraudStatus, fraudAccept) {
			return coins.OutcomeSettled
		}
		return coins.OutcomePending
	case transactionDeny, transactionCancel, transactionExpire, transactionFailure:
		return coins.OutcomeDenied
	default:
		return coins.OutcomePending
	}
}

func toGatewayEvent(payload notification) (coins.GatewayEvent, error) {
	orderRef, err := coins.NewOrderRef(payload.OrderID)
	if err != nil {
		return coins.GatewayEvent{}, fmt.Errorf("%w: %v", coins.ErrInvalidGatewayPayload, err)
	}
	event := coins.GatewayEvent{
		OrderRef:              orderRef,
		Outcome:               MapOutcome(payload.TransactionStatus, payload.FraudStatus),
		ExternalTransactionID: payload.TransactionID,
		PaymentMethod:         payload.PaymentType,
	}
	if payload.GrossAmount != "" {
		grossAmount, err := decimal.NewFromString(payload.GrossAmount)
		if err != nil {
			return coins.GatewayEvent{}, fmt.Errorf("%w: gross_amount %q", coins.ErrInvalidGatewayPayload, payload.GrossAmount)
		}
		event.GrossAmount = grossAmount
	}
	return event, nil
}

func (client *Client) authorize(request *http.Request) {
	request.SetBasicAuth(client.serverKey, "")
	request.Header.Set("Accept", "application/json")
}

func (client *Client) do(request *http.Request) ([]byte, int, error) {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", coins.ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, response.StatusCode, fmt.Errorf("%w: read body: %v", coins.ErrGatewayUnavailable, err)
	}
	return body, response.StatusCode, nil
}

func classifyStatus(statusCode int, body []byte) error {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", coins.ErrGatewayUnavailable, statusCode)
	case statusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: status %d: %s", coins.ErrGatewayRejected, statusCode, errorDetail(body))
	case statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("%w: unexpected status %d", coins.ErrGatewayUnavailable, statusCode)
	default:
		return nil
	}
}

func errorDetail(body []byte) string {
	var decoded snapResponse
	if err := json.Unmarshal(body, &decoded); err == nil && len(decoded.ErrorMessages) > 0 {
		return strings.Join(decoded.ErrorMessages, "; ")
	}
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	return strings.TrimSpace(string(body))
}
