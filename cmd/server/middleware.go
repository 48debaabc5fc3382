package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/automations/internal/logger"
)

// requestLogger logs each request as structured JSON and feeds the HTTP
// error and slow request counters.
func requestLogger(slow time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				args := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", elapsed.Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				}

				if elapsed > slow {
					logger.WarnSlowRequest()
				}
				switch {
				case status >= 500:
					logger.ErrorHttp5xx()
					logger.Logger.Error("request failed", args...)
				case status >= 400:
					logger.WarnHttp4xx(status)
					logger.Debug("request rejected", args...)
				default:
					logger.Debug("request served", args...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
