// Package middleware содержит HTTP middleware магазина кредитов.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const userKey contextKey = "user"

// ServiceRole задаёт значение claim role у токена межсервисных вызовов.
const ServiceRole = "service_role"

var signingMethod = jwt.SigningMethodHS256

// User описывает пользователя, извлечённого из bearer-токена.
type User struct {
	ID    uuid.UUID
	Email string
}

// Claims описывает claims токена доступа.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware проверяет bearer-токены пользователей и межсервисных вызовов.
type AuthMiddleware struct {
	secret     []byte
	serviceKey string
}

// NewAuthMiddleware создаёт AuthMiddleware с секретом подписи JWT и ключом сервисной роли.
func NewAuthMiddleware(secret, serviceKey string) *AuthMiddleware {
	return &AuthMiddleware{
		secret:     []byte(secret),
		serviceKey: serviceKey,
	}
}

// Middleware проверяет токен пользователя и добавляет пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w)
			return
		}

		claims, err := a.parse(token)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		id, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, User{ID: id, Email: claims.Email})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ServiceMiddleware пропускает только межсервисные вызовы: ключ сервисной роли
// или JWT с role=service_role.
func (a *AuthMiddleware) ServiceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w)
			return
		}

		if a.serviceKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.serviceKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.parse(token)
		if err != nil || claims.Role != ServiceRole {
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// IssueToken подписывает токен пользователя. Используется тестами и служебными утилитами.
func (a *AuthMiddleware) IssueToken(user User, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if user.ID != uuid.Nil {
		claims.Subject = user.ID.String()
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

func (a *AuthMiddleware) parse(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method != signingMethod {
				return nil, fmt.Errorf("unexpected signing method %s", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
}

// GetUserFromContext извлекает пользователя из контекста запроса.
func GetUserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey).(User)
	return u, ok
}

// WithUser кладёт пользователя в контекст. Используется в тестах обработчиков.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}
