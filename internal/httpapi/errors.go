package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings is ordered; the first match wins.
var errorMappings = []errorMapping{
	{target: coins.ErrInsufficientFunds, status: http.StatusPaymentRequired, code: "insufficient_funds", message: "not enough coins"},
	{target: coins.ErrGatewayUnavailable, status: http.StatusServiceUnavailable, code: "gateway_unavailable", message: "payment gateway unavailable, please retry"},
	{target: coins.ErrGatewayRejected, status: http.StatusBadGateway, code: "gateway_rejected", message: "payment gateway rejected the request"},
	{target: coins.ErrInvalidSignature, status: http.StatusUnauthorized, code: "invalid_signature", message: "notification signature mismatch"},
	{target: coins.ErrUnknownChapter, status: http.StatusNotFound, code: "unknown_chapter", message: "chapter not found"},
	{target: coins.ErrUnknownIntent, status: http.StatusNotFound, code: "unknown_intent", message: "top-up not found"},
	{target: coins.ErrUnknownAccount, status: http.StatusNotFound, code: "unknown_account", message: "account not found"},
	{target: coins.ErrUnknownPackage, status: http.StatusBadRequest, code: "unknown_package", message: "coin package not found"},
	{target: coins.ErrAmountMismatch, status: http.StatusConflict, code: "amount_mismatch", message: "paid amount does not match the top-up"},
	{target: coins.ErrIdempotencyConflict, status: http.StatusConflict, code: "idempotency_conflict", message: "request conflicts with an earlier one"},
	{target: coins.ErrInvalidGatewayPayload, status: http.StatusBadRequest, code: "invalid_payload", message: "malformed gateway notification"},
	{target: coins.ErrInvalidAccountID, status: http.StatusBadRequest, code: "invalid_request", message: "invalid account id"},
	{target: coins.ErrInvalidChapterID, status: http.StatusBadRequest, code: "invalid_request", message: "invalid chapter id"},
	{target: coins.ErrInvalidStoryID, status: http.StatusBadRequest, code: "invalid_request", message: "invalid story id"},
	{target: coins.ErrInvalidOrderRef, status: http.StatusBadRequest, code: "invalid_request", message: "invalid order reference"},
	{target: coins.ErrInvalidListLimit, status: http.StatusBadRequest, code: "invalid_limit", message: "limit exceeds the maximum page size"},
}

func classifyError(err error) (int, string, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code, mapping.message
		}
	}
	return http.StatusInternalServerError, "internal_error", "request failed"
}
