// Package middleware содержит HTTP middleware сервиса сверки выручки.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

// AuthMiddleware проверяет токен администратора в заголовке Authorization.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware создаёт middleware с указанным токеном. Пустой токен
// заменяется случайным, фактически закрывая доступ к защищённым ручкам.
func NewAuthMiddleware(token string) *AuthMiddleware {
	if token == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err == nil {
			token = hex.EncodeToString(buf)
		} else {
			token = "locked"
		}
	}
	return &AuthMiddleware{token: token}
}

// Middleware пропускает запрос только с верным bearer-токеном.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")

		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(header, prefix)
		if !hmac.Equal([]byte(token), []byte(a.token)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
