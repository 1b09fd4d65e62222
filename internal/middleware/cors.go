package middleware

import (
	"net/http"
	"strings"
)

// vendorAPIMethods はベンダー管理画面から呼ばれるカレンダー連携APIのメソッド。
var vendorAPIMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete}

// NewCORSMiddleware はベンダー管理画面のオリジン1つだけを許可するCORSミドルウェアを返す。
// セッションCookieを送るため Allow-Credentials を付け、ワイルドカードは使わない。
// 管理画面が429の待ち時間を表示できるようRetry-Afterを公開する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	methods := strings.Join(vendorAPIMethods, ", ") + ", " + http.MethodOptions

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")

			if r.Method != http.MethodOptions {
				h.Set("Access-Control-Expose-Headers", "Retry-After")
				next.ServeHTTP(w, r)
				return
			}

			// プリフライト
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+csrfHeaderName)
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
