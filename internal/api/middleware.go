package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/tokens"
)

type contextKey int

const (
	// contextKeyToken holds the authenticated *tokens.Token after a
	// successful bearer check.
	contextKeyToken contextKey = iota
)

// Authenticate validates the bearer token in the Authorization header
// against the token store and requires the given scope. On success the
// token lands in the request context; on failure the chain stops with a
// 401 (bad token) or 403 (missing scope).
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(svc *tokens.Service, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			presented := ""
			if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				presented = parts[1]
			}
			// Websocket clients cannot set headers from the browser, so the
			// token may arrive as a query parameter instead.
			if presented == "" {
				presented = r.URL.Query().Get("access_token")
			}
			if presented == "" {
				ErrUnauthorized(w)
				return
			}

			token, err := svc.Authenticate(r.Context(), presented)
			if err != nil {
				ErrUnauthorized(w)
				return
			}
			if !token.HasScope(scope) {
				ErrForbidden(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger logs each request with method, path, status and size.
// Chi's middleware.RequestID is expected to run first so the request ID is
// available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// tokenFromCtx retrieves the token stored by Authenticate. Nil when the
// request is unauthenticated.
func tokenFromCtx(ctx context.Context) *tokens.Token {
	token, _ := ctx.Value(contextKeyToken).(*tokens.Token)
	return token
}
