package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/domain"
)

const (
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidQuery       = "invalid_query"
	codeForbidden          = "forbidden"
	codeInternalError      = domain.CodeInternal
)

const retryAfterSeconds = "1"

var statusByCode = map[string]int{
	domain.CodeProductNotFound:        http.StatusNotFound,
	domain.CodeReservationNotFound:    http.StatusNotFound,
	domain.CodeInvalidID:              http.StatusBadRequest,
	domain.CodeInvalidQuantity:        http.StatusBadRequest,
	domain.CodeSKURequired:            http.StatusBadRequest,
	domain.CodeNameRequired:           http.StatusBadRequest,
	domain.CodeInvalidPrice:           http.StatusBadRequest,
	domain.CodeInvalidStatus:          http.StatusBadRequest,
	domain.CodeDuplicateSKU:           http.StatusConflict,
	domain.CodeInsufficientStock:      http.StatusConflict,
	domain.CodeInvalidState:           http.StatusConflict,
	domain.CodeIdempotencyConflict:    http.StatusConflict,
	domain.CodeProductHasReservations: http.StatusConflict,
	domain.CodeInvalidAdjustment:      http.StatusUnprocessableEntity,
	domain.CodeContention:             http.StatusServiceUnavailable,
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeServiceError renders err returned by an application service. Unknown errors
// are logged and hidden behind internal_error.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		loggerFrom(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}
	if errors.Is(err, domain.ErrContention) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body strictly. An empty body decodes to the zero value
// when allowEmpty is set.
func decodeBody(r *http.Request, dst any, allowEmpty bool) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return allowEmpty
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return allowEmpty && errors.Is(err, io.EOF)
	}
	return true
}
