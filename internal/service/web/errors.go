package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"linkguard/internal/blacklist"
	"linkguard/internal/classifier"
	"linkguard/internal/preview"
	"linkguard/internal/shared/logger"
	"linkguard/internal/shared/urlutil"
	manager "linkguard/proxypool"
	"linkguard/proxypool/model"
	"linkguard/proxypool/registry"
)

// errBadRequest marks malformed request bodies and missing parameters.
var errBadRequest = errors.New("bad request")

// errBlockedSource marks a server-side fetch refused because the URL is blacklisted.
var errBlockedSource = errors.New("source is blacklisted")

// ErrorResponse 是所有错误响应的统一格式。
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON writes obj with the given status code.
func writeJSON(w http.ResponseWriter, status int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		logger.WithComponent("Web").Warn().Err(err).Msg("Failed to encode response.")
	}
}

// writeError 把领域错误映射为 HTTP 状态码，这是唯一做映射的地方。
func writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithComponent("Web").Error().Err(err).Msg("Request failed.")
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

func classifyError(err error) (int, string) {
	var patternErr *blacklist.InvalidPatternError
	switch {
	case errors.As(err, &patternErr):
		return http.StatusBadRequest, "invalid_pattern"
	case errors.Is(err, urlutil.ErrInvalidURL):
		return http.StatusBadRequest, "invalid_url"
	case errors.Is(err, blacklist.ErrInvalidEntry),
		errors.Is(err, model.ErrUnknownStatus),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, errBlockedSource):
		return http.StatusForbidden, "blacklisted"
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, blacklist.ErrEntryNotFound),
		errors.Is(err, manager.ErrBatchNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrDuplicateProxy):
		return http.StatusConflict, "duplicate_proxy"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, preview.ErrNoHealthyProxy):
		return http.StatusServiceUnavailable, "preview unavailable"
	case errors.Is(err, manager.ErrStopped):
		return http.StatusServiceUnavailable, "shutting_down"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeWarning renders a classification that stopped a preview. It is a
// normal 200 response the client shows with a "proceed anyway" choice.
func writeWarning(w http.ResponseWriter, blocked *classifier.BlockedError) {
	writeJSON(w, http.StatusOK, blocked.Result)
}
