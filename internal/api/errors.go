// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arbiterhq/arbiter/internal/auth"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/pipeline"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/resilience"
	"github.com/arbiterhq/arbiter/internal/session"
)

// ErrorCode is the closed error taxonomy seen at the HTTP boundary.
type ErrorCode string

const (
	CodeInvalidArgument       ErrorCode = "INVALID_ARGUMENT"
	CodeSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	CodeMaxSessions           ErrorCode = "MAX_SESSIONS"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeCircuitOpen           ErrorCode = "CIRCUIT_OPEN"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeBudgetExceededContext ErrorCode = "BUDGET_EXCEEDED_CONTEXT"
	CodeBudgetExceededLatency ErrorCode = "BUDGET_EXCEEDED_LATENCY"
	CodePolicyDenied          ErrorCode = "POLICY_DENIED"
	CodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	CodeFrameTooLarge         ErrorCode = "FRAME_TOO_LARGE"
	CodeConfirmationExpired   ErrorCode = "CONFIRMATION_EXPIRED"
	CodeConfirmationBypass    ErrorCode = "CONFIRMATION_BYPASS"
	CodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	CodeExecutionFailed       ErrorCode = "EXECUTION_FAILED"
	CodeInternalError         ErrorCode = "INTERNAL_ERROR"
)

var statusByCode = map[ErrorCode]int{
	CodeInvalidArgument:       http.StatusBadRequest,
	CodeSessionNotFound:       http.StatusNotFound,
	CodeMaxSessions:           http.StatusTooManyRequests,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeCircuitOpen:           http.StatusServiceUnavailable,
	CodeTimeout:               http.StatusGatewayTimeout,
	CodeBudgetExceededContext: http.StatusRequestEntityTooLarge,
	CodeBudgetExceededLatency: http.StatusGatewayTimeout,
	CodePolicyDenied:          http.StatusForbidden,
	CodeValidationFailed:      http.StatusBadRequest,
	CodeFrameTooLarge:         http.StatusRequestEntityTooLarge,
	CodeConfirmationExpired:   http.StatusConflict,
	CodeConfirmationBypass:    http.StatusForbidden,
	CodeUnauthorized:          http.StatusUnauthorized,
	CodeExecutionFailed:       http.StatusBadGateway,
	CodeInternalError:         http.StatusInternalServerError,
}

// StatusFor maps an error code onto its HTTP status.
func StatusFor(code ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	OK    bool      `json:"ok"`
	Error ErrorBody `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	respondJSON(w, StatusFor(code), errorEnvelope{
		OK:    false,
		Error: ErrorBody{Code: code, Message: message, Details: details},
	})
}

// respondMapped converts a pipeline or domain error into the stable
// code/status table. Internal errors log the cause but surface only a
// redacted message.
func respondMapped(w http.ResponseWriter, r *http.Request, err error) {
	code, message, details := classifyError(err)
	if code == CodeInternalError {
		log.WithComponentFromContext(r.Context(), "api").Error().Err(err).Msg("internal error")
		message = "internal error"
	}
	respondError(w, code, message, details)
}

func classifyError(err error) (ErrorCode, string, map[string]any) {
	var quota *session.QuotaExceededError
	var frameSize *pipeline.FrameTooLargeError
	var frameMime *pipeline.InvalidFrameError
	var denied *pipeline.PolicyDeniedError
	var bypass *policy.ConfirmationBypassError
	var maxPending *policy.MaxPendingError
	var exceeded *budget.ExceededError

	switch {
	case errors.Is(err, session.ErrNotFound):
		return CodeSessionNotFound, "session not found", nil
	case errors.As(err, &quota):
		return CodeMaxSessions, err.Error(), map[string]any{"scope": quota.Scope, "limit": quota.Limit}
	case errors.As(err, &frameSize):
		return CodeFrameTooLarge, err.Error(), map[string]any{"limit_bytes": frameSize.Limit}
	case errors.As(err, &frameMime):
		return CodeInvalidArgument, err.Error(), nil
	case errors.As(err, &denied):
		return CodePolicyDenied, err.Error(), map[string]any{"tool_name": denied.ToolName}
	case errors.As(err, &bypass):
		return CodeConfirmationBypass, err.Error(), nil
	case errors.As(err, &maxPending):
		return CodeValidationFailed, err.Error(), map[string]any{"limit": maxPending.Limit}
	case errors.As(err, &exceeded):
		return CodeBudgetExceededContext, err.Error(), map[string]any{"dimension": string(exceeded.Dimension)}
	case errors.Is(err, resilience.ErrCircuitOpen):
		return CodeCircuitOpen, "backend circuit is open", nil
	case errors.Is(err, resilience.ErrValidationFailed):
		return CodeValidationFailed, err.Error(), nil
	case errors.Is(err, resilience.ErrPolicyDenied):
		return CodePolicyDenied, err.Error(), nil
	case errors.Is(err, auth.ErrUnauthorized):
		return CodeUnauthorized, "unauthorized", nil
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, "operation timed out", nil
	case errors.Is(err, session.ErrBargeInTimeout):
		return CodeTimeout, err.Error(), nil
	default:
		return CodeInternalError, err.Error(), nil
	}
}
