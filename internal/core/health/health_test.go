package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fakeReporter struct {
	ready bool
	parts []int32
}

func (f fakeReporter) Readiness() (bool, []int32) { return f.ready, f.parts }

func TestReadiness_ReporterAndChecks(t *testing.T) {
	cases := []struct {
		name   string
		rr     ReadinessReporter
		checks []Check
		want   int
		body   string
	}{
		{"no reporter", nil, nil, http.StatusOK, `"status":"ready"`},
		{"assigned", fakeReporter{true, []int32{0, 1}}, nil, http.StatusOK, `"partitions":[0,1]`},
		{"unassigned", fakeReporter{false, nil}, nil, http.StatusServiceUnavailable, `"not_ready"`},
		{"failing check", fakeReporter{true, nil}, []Check{func() (string, bool) { return "store", false }},
			http.StatusServiceUnavailable, `"failing":["store"]`},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		Readiness(tc.rr, tc.checks...)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.want || !strings.Contains(rr.Body.String(), tc.body) {
			t.Fatalf("%s: status=%d body=%s", tc.name, rr.Code, rr.Body.String())
		}
	}
}
