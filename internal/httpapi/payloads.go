package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
)

type topUpRequest struct {
	PackageID string `json:"package_id" binding:"required"`
}

type purchaseRequest struct {
	StoryID string `json:"story_id"`
}

type accountPayload struct {
	AccountID      string `json:"account_id"`
	Balance        int64  `json:"balance"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type packagePayload struct {
	PackageID string `json:"package_id"`
	Name      string `json:"name"`
	Coins     int64  `json:"coins"`
	Price     string `json:"price"`
}

type checkoutPayload struct {
	OrderRef    string         `json:"order_ref"`
	Token       string         `json:"token"`
	RedirectURL string         `json:"redirect_url"`
	ClientKey   string         `json:"client_key"`
	Package     packagePayload `json:"package"`
}

type intentPayload struct {
	OrderRef       string `json:"order_ref"`
	PackageID      string `json:"package_id"`
	Coins          int64  `json:"coins"`
	Price          string `json:"price"`
	Status         string `json:"status"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type eventPayload struct {
	EventID        string          `json:"event_id"`
	Delta          int64           `json:"delta"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func toPackagePayload(coinPackage coins.CoinPackage) packagePayload {
	return packagePayload{
		PackageID: coinPackage.PackageID,
		Name:      coinPackage.Name,
		Coins:     coinPackage.Coins.Int64(),
		Price:     coinPackage.Price.StringFixed(0),
	}
}

func toIntentPayload(intent coins.PaymentIntent) intentPayload {
	return intentPayload{
		OrderRef:       intent.OrderRef.String(),
		PackageID:      intent.PackageID,
		Coins:          intent.Coins.Int64(),
		Price:          intent.Price.StringFixed(0),
		Status:         intent.Status.String(),
		PaymentMethod:  intent.PaymentMethod,
		CreatedUnixUTC: intent.CreatedUnixUTC,
		UpdatedUnixUTC: intent.UpdatedUnixUTC,
	}
}

func toEventPayload(event coins.LedgerEvent) eventPayload {
	return eventPayload{
		EventID:        event.EventID,
		Delta:          event.Delta.Int64(),
		Reason:         event.Reason.String(),
		IdempotencyKey: event.IdempotencyKey.String(),
		Metadata:       json.RawMessage(event.Metadata.String()),
		CreatedUnixUTC: event.CreatedUnixUTC,
	}
}
