package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"heimdall-backend/internal/errors"
	"heimdall-backend/internal/middleware"
	"heimdall-backend/pkg/api"
)

// statusFor maps the unified error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsConflict(err):
		return http.StatusConflict
	case errors.IsOverloaded(err):
		return http.StatusTooManyRequests
	case errors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.IsCircuitOpen(err), errors.IsUnavailable(err), errors.IsPoolClosed(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders an error with its taxonomy code, request id, and a
// Retry-After hint for overload shedding.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *errors.UnifiedError
	if stderrors.As(err, &ue) && ue.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ue.RetryAfter.Seconds())))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error:     err.Error(),
		Code:      errors.CodeOf(err),
		RequestID: middleware.GetRequestIDFromRequest(r),
		Retryable: errors.IsRetryable(err),
	})
}
