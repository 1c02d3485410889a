package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	cartIDKey contextKey = "cart_id"
)

// CartIdentityMiddleware resolves the caller's cart. Identity headers are set
// by the auth proxy in front of the service: X-User-ID for signed-in users,
// X-Session-ID for guests.
func CartIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cartID string
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		switch sessionID := strings.TrimSpace(r.Header.Get("X-Session-ID")); {
		case userID != "":
			cartID = "user:" + userID
		case sessionID != "":
			cartID = "session:" + sessionID
		default:
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user or session identity")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, cartIDKey, cartID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLogMiddleware logs every request with the id set by middleware.RequestID.
func AccessLogMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func getUserIDFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok {
		return userID
	}
	return ""
}

func getCartIDFromContext(ctx context.Context) string {
	if cartID, ok := ctx.Value(cartIDKey).(string); ok {
		return cartID
	}
	return ""
}
