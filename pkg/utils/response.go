package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/model/dm"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondErr writes err with the status derived from its kind.
func RespondErr(w http.ResponseWriter, err error) {
	RespondError(w, StatusFor(err), err.Error())
}

// StatusFor maps an error to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	var e *dm.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case dm.KindUnauthenticated:
		return http.StatusUnauthorized
	case dm.KindInvalidArgument:
		return http.StatusBadRequest
	case dm.KindNotFound:
		return http.StatusNotFound
	case dm.KindValidation:
		return http.StatusUnprocessableEntity
	case dm.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
