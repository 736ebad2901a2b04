package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

const tokenSubject = "admin"

// AuthMiddleware проверяет административный токен, подписанный HMAC.
// Выдача учётных данных выполняется вне ядра; middleware лишь проверяет подпись.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware пропускает запрос только с корректным токеном
// в заголовке Authorization: Bearer.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !a.verify(token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Token возвращает подписанный административный токен.
func (a *AuthMiddleware) Token() string {
	return tokenSubject + "." + a.sign(tokenSubject)
}

func (a *AuthMiddleware) verify(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return false
	}
	expected := a.sign(parts[0])
	return hmac.Equal([]byte(parts[1]), []byte(expected))
}

func (a *AuthMiddleware) sign(subject string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}
