package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/readtrack/internal/metrics"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestState は内側のミドルウェアが判明させた情報をアクセスログへ渡す。
type requestState struct {
	userID int64
}

var requestStateContextKey = contextKey("request_state")

func setRequestUserID(ctx context.Context, userID int64) {
	if st, ok := ctx.Value(requestStateContextKey).(*requestState); ok {
		st.userID = userID
	}
}

// levelForStatus はアクセスログのレベルを返す。5xxはError、4xxはWarn。
func levelForStatus(code int) slog.Level {
	switch {
	case code >= http.StatusInternalServerError:
		return slog.LevelError
	case code >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストごとに1行のアクセスログを出力するミドルウェアを返す。
// method、path、status、duration_ms、remote_addrと、認証済みならuser_idを含む。
// mがnilでなければステータスコードをメトリクスにも記録する。
func NewLoggingMiddleware(logger *slog.Logger, m metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			st := &requestState{}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestStateContextKey, st)))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if st.userID != 0 {
				attrs = append(attrs, slog.Int64("user_id", st.userID))
			}
			logger.LogAttrs(r.Context(), levelForStatus(rec.statusCode), "http_request", attrs...)

			if m != nil {
				m.RecordHTTPStatus(rec.statusCode)
			}
		})
	}
}
