package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/speedrun-hq/speedrun-settler/pkg/amount"
	"github.com/speedrun-hq/speedrun-settler/pkg/amm"
	"github.com/speedrun-hq/speedrun-settler/pkg/intake"
	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
	"github.com/speedrun-hq/speedrun-settler/pkg/settlement"
	"github.com/speedrun-hq/speedrun-settler/pkg/slippage"
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Actual   string `json:"actual,omitempty"`
	Required string `json:"required,omitempty"`
	Status   string `json:"status,omitempty"`
}

// classify maps an error to its HTTP status and stable code
func classify(err error) (int, string) {
	var exceeded *slippage.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return http.StatusConflict, "slippage_exceeded"
	case errors.Is(err, amount.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, quote.ErrNonPositiveAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, intake.ErrValidation),
		errors.Is(err, models.ErrInvalidIntent),
		errors.Is(err, slippage.ErrInvalidTolerance):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, pool.ErrUnknownPool), errors.Is(err, pool.ErrUnsupportedPair):
		return http.StatusBadRequest, "unsupported_token"
	case errors.Is(err, intents.ErrIntentNotFound):
		return http.StatusNotFound, "intent_not_found"
	case errors.Is(err, settlement.ErrNotSettleable):
		return http.StatusConflict, "not_settleable"
	case errors.Is(err, settlement.ErrKindMismatch):
		return http.StatusConflict, "kind_mismatch"
	case errors.Is(err, quote.ErrInsufficientLiquidity), errors.Is(err, amm.ErrArithmetic):
		return http.StatusUnprocessableEntity, "insufficient_liquidity"
	case errors.Is(err, settlement.ErrPayoutUnconfirmed):
		return http.StatusBadGateway, "payout_unconfirmed"
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func errorBody(err error) (int, errorResponse) {
	status, code := classify(err)
	body := errorResponse{Error: err.Error(), Code: code}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}

	var exceeded *slippage.ExceededError
	if errors.As(err, &exceeded) {
		body.Actual = exceeded.Actual.String()
		body.Required = exceeded.Min.String()
	}
	var notSettleable *settlement.NotSettleableError
	if errors.As(err, &notSettleable) {
		body.Status = string(notSettleable.Status)
	}
	return status, body
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
