package pmtiles

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// responseWriter records the status and body size written through it.
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// instrument logs each request and records it in the request metrics under handler.
func (server *Server) instrument(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracker := server.metrics.startRequest()
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		source := mux.Vars(r)["source"]
		if _, ok := server.registry.Lookup(source); !ok {
			source = ""
		}
		tracker.finish(r.Context(), source, handler, wrapped.status, wrapped.size)
		server.logger.Info("served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.EscapedPath()),
			zap.Int("status", wrapped.status),
			zap.Int("bytes", wrapped.size),
			zap.Duration("duration", time.Since(start)))
	})
}

// recoveryLogger routes gorilla/handlers panic reports into zap.
type recoveryLogger struct {
	logger *zap.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("recovered from panic", zap.String("panic", fmt.Sprint(v...)))
}
