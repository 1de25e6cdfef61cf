package utils

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	apperrors "github.com/zhouzirui/z-live/backend/pkg/errors"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// ErrorBody 结构化错误响应，前端依据 code 渲染提示
type ErrorBody struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Code         string `json:"code"`
	Remaining    *int   `json:"remaining,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// RespondAppError 将领域错误映射为HTTP状态码
func RespondAppError(w http.ResponseWriter, err error) {
	status, body := NewErrorBody(err)
	RespondJSON(w, status, body)
}

// NewErrorBody 构造结构化错误体，WebSocket 推送也复用它
func NewErrorBody(err error) (int, ErrorBody) {
	appErr, ok := apperrors.As(err)
	if !ok {
		logrus.WithError(err).Error("unclassified error")
		appErr = apperrors.Transient("internal error", err)
	}

	body := ErrorBody{
		Error: appErr.Message,
		Kind:  string(appErr.Kind),
		Code:  string(appErr.Code),
	}
	if appErr.Kind == apperrors.KindRateLimited && appErr.Remaining >= 0 {
		remaining := appErr.Remaining
		body.Remaining = &remaining
	}
	if appErr.RetryAfter > 0 {
		body.RetryAfterMs = appErr.RetryAfter.Milliseconds()
	}
	return StatusFor(appErr.Kind), body
}

// StatusFor 错误类别对应的HTTP状态码
func StatusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindPolicyDenied:
		return http.StatusForbidden
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	case apperrors.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case apperrors.KindInvalidArgument:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.KindInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}
