package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/vitalslot/booking-engine/errs"
)

// Error codes in ErrorResponse.Error.
const (
	codeBadRequest        = "bad_request"
	codeValidation        = "validation_failed"
	codeNotFound          = "not_found"
	codeConflict          = "slot_unavailable"
	codeInvalidTransition = "invalid_transition"
	codeCutoff            = "cutoff_exceeded"
	codeForbidden         = "forbidden"
	codeBusy              = "busy"
	codeRateLimited       = "rate_limited"
	codeInternal          = "internal_error"
)

// lockRetryAfterSeconds is the Retry-After hint when the wait is unknown.
const lockRetryAfterSeconds = 1

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: code, Message: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error to its HTTP status and code.
func statusFor(err error) (int, string) {
	var ve validator.ValidationErrors
	switch {
	case errors.Is(err, errs.ErrValidation), errors.As(err, &ve):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict, codeConflict
	case errors.Is(err, errs.ErrInvalidTransition):
		return http.StatusConflict, codeInvalidTransition
	case errors.Is(err, errs.ErrCutoffExceeded):
		return http.StatusUnprocessableEntity, codeCutoff
	case errors.Is(err, errs.ErrLockTimeout):
		return http.StatusServiceUnavailable, codeBusy
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// writeServiceError renders err for the caller. Internal errors are logged
// and their details withheld.
func writeServiceError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status, code := statusFor(err)

	if status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, status, code, errs.UserMessage(err), nil)
		return
	}

	if errs.IsRetryable(err) {
		retry := lockRetryAfterSeconds
		var lt *errs.LockTimeoutError
		if errors.As(err, &lt) && lt.Waited > 0 {
			retry = int(math.Ceil(lt.Waited.Seconds()))
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	message := errs.UserMessage(err)
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		message = validationMessage(ve)
	}
	writeError(w, status, code, message, err)
}

func validationMessage(ve validator.ValidationErrors) string {
	if len(ve) == 0 {
		return "invalid request"
	}
	fe := ve[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " is too long"
	default:
		return fe.Field() + " is invalid"
	}
}
