package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/storefront/internal/order"
)

func init() {
	// Money leaves the API as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func respondWithError(w http.ResponseWriter, code int, kind, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message, Code: kind})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response","code":"internal"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// mapErrorToStatusCode returns the HTTP status and the error kind reported to clients.
func mapErrorToStatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, order.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, order.ErrReturnWindowClosed):
		return http.StatusConflict, "return_window_closed"
	case errors.Is(err, order.ErrPaymentNotConfirmed):
		return http.StatusConflict, "payment_not_confirmed"
	case errors.Is(err, order.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, order.ErrConstraintViolation):
		return http.StatusUnprocessableEntity, "constraint_violation"
	default:
		return http.StatusInternalServerError, "storage"
	}
}

// respondWithServiceError writes err the way clients see it. Storage faults hide their cause.
func respondWithServiceError(w http.ResponseWriter, err error) {
	status, kind := mapErrorToStatusCode(err)

	var validationErr *order.ValidationError
	if errors.As(err, &validationErr) {
		respondWithJSON(w, status, ValidationErrorResponse{
			Error:   "Validation failed",
			Code:    kind,
			Details: validationErr.Fields,
		})
		return
	}

	var message string
	var transitionErr *order.TransitionError
	switch {
	case errors.As(err, &transitionErr):
		message = transitionErr.Reason
	case errors.Is(err, order.ErrOrderNotFound):
		message = "Order not found"
	case errors.Is(err, order.ErrReturnWindowClosed):
		message = "Return window closed"
	case errors.Is(err, order.ErrPaymentNotConfirmed):
		message = "Payment not confirmed"
	case errors.Is(err, order.ErrUnauthorized):
		message = "Email is required (or send Authorization bearer token)"
	case errors.Is(err, order.ErrConstraintViolation):
		message = "Order references unknown data"
	default:
		message = "Internal server error"
	}
	respondWithError(w, status, kind, message)
}
