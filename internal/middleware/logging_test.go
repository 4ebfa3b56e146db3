package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/readtrack/internal/metrics"
)

// serveLogged はhandlerをロギングミドルウェアで包んで1リクエスト処理し、出力された1行を返す。
func serveLogged(t *testing.T, m metrics.MetricsCollector, req *http.Request, h http.HandlerFunc) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggingMiddleware(logger, m)(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestLoggingMiddleware_StatusAndLevel(t *testing.T) {
	tests := []struct {
		name      string
		write     func(w http.ResponseWriter)
		wantCode  int
		wantLevel string
	}{
		{"accepted", func(w http.ResponseWriter) { w.WriteHeader(http.StatusAccepted) }, 202, "INFO"},
		{"implicit 200 on write", func(w http.ResponseWriter) { w.Write([]byte("ok")) }, 200, "INFO"},
		{"validation error", func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadRequest) }, 400, "WARN"},
		{"not found", func(w http.ResponseWriter) { w.WriteHeader(http.StatusNotFound) }, 404, "WARN"},
		{"internal error", func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) }, 500, "ERROR"},
		{"second WriteHeader ignored", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusCreated)
			w.WriteHeader(http.StatusInternalServerError)
		}, 201, "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval", nil)
			entry := serveLogged(t, nil, req, func(w http.ResponseWriter, r *http.Request) { tt.write(w) })

			if got := int(entry["status"].(float64)); got != tt.wantCode {
				t.Errorf("status = %d, want %d", got, tt.wantCode)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
		})
	}
}

func TestLoggingMiddleware_RequestFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/book/most-recommended-five-books", nil)
	req.RemoteAddr = "203.0.113.7:4321"

	entry := serveLogged(t, nil, req, func(w http.ResponseWriter, r *http.Request) {})

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "GET" || entry["path"] != "/v1/book/most-recommended-five-books" {
		t.Errorf("method/path = %v %v", entry["method"], entry["path"])
	}
	if entry["remote_addr"] != "203.0.113.7:4321" {
		t.Errorf("remote_addr = %v", entry["remote_addr"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v, want non-negative number", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Errorf("user_id should be omitted for anonymous request, got %v", entry["user_id"])
	}
}

func TestLoggingMiddleware_UserIDSetByInnerMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval-by-auth-user", nil)

	entry := serveLogged(t, nil, req, func(w http.ResponseWriter, r *http.Request) {
		setRequestUserID(r.Context(), 42)
		w.WriteHeader(http.StatusAccepted)
	})

	if entry["user_id"] != float64(42) {
		t.Errorf("user_id = %v, want 42", entry["user_id"])
	}
}

type statusMetrics struct {
	metrics.MetricsCollector
	codes []int
}

func (m *statusMetrics) RecordHTTPStatus(code int) { m.codes = append(m.codes, code) }

func TestLoggingMiddleware_RecordsStatusMetric(t *testing.T) {
	m := &statusMetrics{}
	req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval", nil)

	serveLogged(t, m, req, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	if len(m.codes) != 1 || m.codes[0] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [429]", m.codes)
	}
}
