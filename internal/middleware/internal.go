package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/zhouzirui/z-live/backend/pkg/utils"
)

// InternalHeader 内部回调携带的共享密钥请求头
const InternalHeader = "X-Internal-Secret"

// RequireInternalSecret 校验内部回调的共享密钥
func RequireInternalSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
