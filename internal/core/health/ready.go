// Package health serves liveness and readiness probes.
package health

import (
	"encoding/json"
	"net/http"
)

// ReadinessReporter is implemented by the reset runner; a disabled runner
// reports ready.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type Check func() (name string, ok bool)

// Readiness answers 503 until the reporter and every extra check pass.
func Readiness(rr ReadinessReporter, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string   `json:"status"`
			Partitions []int32  `json:"partitions,omitempty"`
			Failing    []string `json:"failing,omitempty"`
		}
		ready, parts := true, []int32(nil)
		if rr != nil {
			ready, parts = rr.Readiness()
		}
		out := resp{Status: "not_ready"}
		for _, c := range checks {
			if name, ok := c(); !ok {
				ready = false
				out.Failing = append(out.Failing, name)
			}
		}
		if ready {
			out.Status = "ready"
			out.Partitions = parts
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
