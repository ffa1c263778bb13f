package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"datapilot/internal/domain"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code      int    `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	QueryID   string `json:"query_id,omitempty"`
}

const poolRetryAfterSeconds = 2

// statusForKind maps a query failure classification to an HTTP status.
func statusForKind(k domain.ErrorKind) int {
	switch k {
	case domain.KindValidationRejected, domain.KindExecutionFailed:
		return http.StatusBadRequest
	case domain.KindTranslationFailed:
		return http.StatusBadGateway
	case domain.KindConnectionUnauthorized:
		return http.StatusUnprocessableEntity
	case domain.KindConnectionUnreachable:
		return http.StatusServiceUnavailable
	case domain.KindPoolExhausted:
		return http.StatusTooManyRequests
	case domain.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case domain.KindTenantMismatch:
		return http.StatusNotFound
	case domain.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse maps err to a status and body. Unknown errors become an
// opaque 500.
func errorResponse(err error) (int, errorBody) {
	var (
		qe           *domain.QueryError
		notFound     *domain.NotFoundError
		accessDenied *domain.AccessDeniedError
		validation   *domain.ValidationError
		conflict     *domain.ConflictError
		unavailable  *domain.UnavailableError
	)
	switch {
	case errors.As(err, &qe):
		status := statusForKind(qe.Kind)
		return status, errorBody{
			Code:      status,
			Kind:      string(qe.Kind),
			Message:   qe.Message,
			Retryable: qe.Kind.Retryable(),
			QueryID:   qe.QueryID,
		}
	case errors.As(err, &notFound):
		return http.StatusNotFound, errorBody{Code: http.StatusNotFound, Kind: "NotFound", Message: notFound.Message}
	case errors.As(err, &accessDenied):
		return http.StatusUnauthorized, errorBody{Code: http.StatusUnauthorized, Kind: "AccessDenied", Message: accessDenied.Message}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{Code: http.StatusBadRequest, Kind: "ValidationError", Message: validation.Message}
	case errors.As(err, &conflict):
		return http.StatusConflict, errorBody{Code: http.StatusConflict, Kind: "Conflict", Message: conflict.Message}
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, errorBody{
			Code: http.StatusServiceUnavailable, Kind: "ServiceUnavailable", Message: "service unavailable", Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorBody{
			Code: http.StatusInternalServerError, Kind: "Internal", Message: "internal error",
		}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("unhandled error", "error", err, "method", r.Method, "path", r.URL.Path)
	}
	if body.Kind == string(domain.KindPoolExhausted) {
		w.Header().Set("Retry-After", strconv.Itoa(poolRetryAfterSeconds))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("write response", "error", err)
	}
}

const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON request body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}
