// SPDX-License-Identifier: MIT

package log

import (
	"net/http"
	"time"
)

// Middleware returns an HTTP middleware that logs each request with the
// correlation fields present in the request context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger := WithContext(r.Context(), Base())
			evt := logger.Info()
			if sw.status >= 500 {
				evt = logger.Error()
			} else if sw.status >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Int64(FieldDurationMS, time.Since(start).Milliseconds()).
				Msg("http request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
