package httpapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/BrandonDHaskell/Portgate/server/internal/auth"
)

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now().UTC()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"from", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
				"dur", time.Since(start),
			)
		})
	}
}

// authMiddleware verifies the bearer token and stores the caller's actor,
// with its address and user agent, in the request context.
func authMiddleware(v *auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}
			actor, err := v.Verify(token)
			if err != nil {
				logger.Warn("token rejected", "from", r.RemoteAddr, "err", err)
				msg := "invalid token"
				if !errors.Is(err, auth.ErrInvalidToken) {
					msg = "token verification failed"
				}
				writeError(w, http.StatusUnauthorized, "unauthenticated", msg)
				return
			}
			// Header bytes are not guaranteed to be UTF-8.
			actor.IPAddress = strings.ToValidUTF8(clientIP(r.RemoteAddr), "\uFFFD")
			actor.UserAgent = strings.ToValidUTF8(r.UserAgent(), "\uFFFD")
			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
		})
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
