package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserHeader 由上游身份网关注入的可信用户ID请求头
const UserHeader = "X-User-ID"

// Identity 读取网关注入的用户ID写入请求上下文，缺失时放行但视为匿名
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// RequireUser 拒绝匿名请求
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthenticated(r.Context()) {
			utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser 将用户ID放入上下文
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// CurrentUser 返回当前用户ID
func CurrentUser(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func IsAuthenticated(ctx context.Context) bool {
	_, ok := CurrentUser(ctx)
	return ok
}
