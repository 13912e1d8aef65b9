package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	mylog "github.com/mohammed-shakir/viewport-lod/internal/logger"
)

func TestLogging_CarriesRequestAndSession(t *testing.T) {
	var buf bytes.Buffer
	zl := mylog.Build(mylog.Config{Level: "debug"}, &buf)
	l := mylog.NewSlog(&zl)

	var gotID string
	h := Logging(l, "X-Session-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = mylog.RequestID(r.Context())
		l.InfoContext(r.Context(), "inside")
	}))

	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("X-Session-ID", "sess-7")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if gotID == "" || rr.Header().Get("X-Request-ID") != gotID {
		t.Fatalf("request id not propagated: ctx=%q header=%q", gotID, rr.Header().Get("X-Request-ID"))
	}
	out := buf.String()
	if !strings.Contains(out, `"session_id":"sess-7"`) || !strings.Contains(out, `"request_id":"`+gotID+`"`) {
		t.Fatalf("log lines missing context fields: %s", out)
	}
}

func TestRecover_Returns500(t *testing.T) {
	zl := zerolog.Nop()
	h := Recover(mylog.NewSlog(&zl))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", rr.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("preflight must not reach the handler")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/query", nil))
	if rr.Code != http.StatusNoContent || !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("status=%d methods=%q", rr.Code, rr.Header().Get("Access-Control-Allow-Methods"))
	}
}

