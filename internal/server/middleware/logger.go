package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs one line per inbound HTTP request before it reaches
// the websocket upgrade. It reads the client IP from the request metadata,
// so it must sit after RequestMetadataMiddleware in the chain; a missing
// metadata entry degrades to the raw remote address rather than failing the
// request.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip))
			next.ServeHTTP(w, r)
		})
	}
}
