package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/campusgate/attendance-portal/internal/middleware"
)

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := middleware.RequestLogger(zap.New(core), "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/health", "/faculty", "/boom"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries (health skipped), got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].ContextMap()["status"] != int64(http.StatusOK) {
		t.Errorf("unexpected entry for /faculty: %v %v", entries[0].Level, entries[0].ContextMap())
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["status"] != int64(http.StatusBadGateway) {
		t.Errorf("unexpected entry for /boom: %v %v", entries[1].Level, entries[1].ContextMap())
	}
}
