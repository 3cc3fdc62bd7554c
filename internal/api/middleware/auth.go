package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/pkg/crypto"
)

type contextKey string

// userContextKey - ключ авторизованного пользователя в request context
const userContextKey contextKey = "user"

// UserSource - источник пользователей для проверки API ключей
type UserSource interface {
	GetActiveUsers() ([]*models.User, error)
}

// APIKeyAuth проверяет заголовок X-API-Key против bcrypt-хешей
// активных пользователей. Без совпадения - 401.
//
// Ключи не хранятся в открытом виде, поэтому поиск - полный проход
// по активным пользователям с constant-time сравнением. Флот
// пользователей мал, это дешевле кэша открытых ключей.
func APIKeyAuth(users UserSource, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				http.Error(w, "missing API key", http.StatusUnauthorized)
				return
			}

			active, err := users.GetActiveUsers()
			if err != nil {
				logger.Error("auth: load users", zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			for _, user := range active {
				if crypto.CheckAPIKey(key, user.APIKeyHash) {
					ctx := context.WithValue(r.Context(), userContextKey, user)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			http.Error(w, "invalid API key", http.StatusUnauthorized)
		})
	}
}

// UserFromContext возвращает авторизованного пользователя запроса
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	return user, ok
}

// ContextWithUser кладет пользователя в контекст, минуя auth.
// Для тестов handler'ов.
func ContextWithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
