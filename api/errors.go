package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/generic"
)

// errorKind maps a domain error kind to an HTTP status and a stable code.
type errorKind struct {
	err    error
	status int
	code   string
}

// Order matters: the first kind that matches wins. Kinds without their own
// code fall through to the generic classification in errorStatus.
var errorKinds = []errorKind{
	{generic.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{generic.ErrDailyCapReached, http.StatusTooManyRequests, "daily_cap_reached"},
	{generic.ErrMonthlyCapExceeded, http.StatusTooManyRequests, "monthly_cap_exceeded"},
	{generic.ErrNotEntitled, http.StatusForbidden, "not_entitled"},
	{generic.ErrUnknownActivity, http.StatusBadRequest, "unknown_activity"},
	{generic.ErrUnknownItem, http.StatusBadRequest, "unknown_item"},
	{generic.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{generic.ErrDuplicateIdempotencyKey, http.StatusConflict, "idempotency_conflict"},
	{accounts.ErrEmailTaken, http.StatusConflict, "email_taken"},
	{accounts.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{accounts.ErrUserDisabled, http.StatusForbidden, "user_disabled"},
	{accounts.ErrWeakPassword, http.StatusBadRequest, "weak_password"},
	{accounts.ErrInvalidEmail, http.StatusBadRequest, "invalid_email"},
}

// errorStatus returns the status and code for err. Unknown features and
// tiers reaching this point are configuration bugs, not client mistakes:
// client-supplied keys are validated before they get this far.
func errorStatus(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable, "conflict_retry"
	case generic.IsConfigError(err):
		return http.StatusInternalServerError, "misconfigured"
	case generic.IsClientError(err):
		return http.StatusBadRequest, "rejected"
	}
	return http.StatusInternalServerError, "internal"
}

// writeDomainError maps err to a response. 5xx details are logged, not
// returned.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg := "Internal error"
		if status == http.StatusServiceUnavailable {
			msg = "Please retry"
		}
		writeErrorCode(w, status, msg, code, nil)
		return
	}

	if generic.IsClientError(err) {
		// Expected outcomes (caps, balance, entitlement): traced, not alerted on.
		h.Log.Debug("request refused",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
	}

	var details any
	var capErr *generic.CapError
	if errors.As(err, &capErr) {
		details = map[string]any{"window": capErr.Window, "limit": capErr.Limit, "used": capErr.Used}
	}
	var balErr *generic.InsufficientBalanceError
	if errors.As(err, &balErr) {
		details = map[string]any{"available": balErr.Available.Int(), "requested": balErr.Requested.Int()}
	}
	writeErrorCode(w, status, err.Error(), code, details)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	var details any
	if err != nil {
		details = err.Error()
	}
	writeErrorCode(w, status, message, "", details)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
