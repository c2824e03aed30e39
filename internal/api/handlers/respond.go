package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// respondJSON writes a JSON body with the given status. A nil body writes
// only the status line.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.L().Error("failed to encode response", zap.Error(err))
	}
}

// respondError maps an application error to an HTTP status and a stable
// error body. Unknown errors are masked as internal.
func respondError(w http.ResponseWriter, err error) {
	code := appErr.CodeInternal
	message := "internal error"
	var meta map[string]any

	var ae *appErr.AppError
	if errors.As(err, &ae) {
		code = ae.Code
		message = ae.Message
		meta = ae.Meta
	} else {
		logger.L().Error("unclassified error", zap.Error(err))
	}

	respondJSON(w, httpStatus(code), errorBody{Code: string(code), Message: message, Meta: meta})
}

func httpStatus(code appErr.Code) int {
	switch code {
	case appErr.CodeInvalid:
		return http.StatusBadRequest
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict:
		return http.StatusConflict
	case appErr.CodeForbidden:
		return http.StatusForbidden
	case appErr.CodeUnauthorized:
		return http.StatusUnauthorized
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case appErr.CodeDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
