// Package router holds the HTTP handlers of the query surface.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/viewport-lod/internal/aoi"
	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/engine"
	"github.com/mohammed-shakir/viewport-lod/internal/pipeline"
)

// SessionHeader carries the session id when the body does not.
const SessionHeader = "X-Session-ID"

const maxBody = 1 << 20

// QueryService answers viewport queries and resets derived state.
type QueryService interface {
	Query(ctx context.Context, req model.QueryRequest) (model.QueryResponse, error)
	Reset(ctx context.Context) error
}

type errorBody struct {
	Error string `json:"error"`
}

// HandleQuery serves POST (JSON body) and GET (query parameters) requests.
func HandleQuery(logger *slog.Logger, svc QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := ParseQueryRequest(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}

		resp, err := svc.Query(r.Context(), q)
		if err != nil {
			code := StatusFor(err)
			if code >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "query failed", "err", err)
			} else {
				logger.DebugContext(r.Context(), "query rejected", "status", code, "err", err)
			}
			writeJSON(w, code, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleReset(logger *slog.Logger, svc QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Reset(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "cache reset failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// StatusFor maps pipeline errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, aoi.ErrInvalidBBox),
		errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, engine.ErrUnknownEngine),
		errors.Is(err, engine.ErrLayerNotFound):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func ParseQueryRequest(r *http.Request) (model.QueryRequest, error) {
	var q model.QueryRequest
	switch r.Method {
	case http.MethodPost:
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
		if err := dec.Decode(&q); err != nil {
			return q, fmt.Errorf("decode body: %w", err)
		}
	case http.MethodGet:
		var err error
		if q, err = parseQueryParams(r); err != nil {
			return q, err
		}
	default:
		return q, fmt.Errorf("method %s not allowed", r.Method)
	}
	if q.SessionID == "" {
		q.SessionID = strings.TrimSpace(r.Header.Get(SessionHeader))
	}
	return q, nil
}

// parseQueryParams reads layers=a,b&bbox=minLon,minLat,maxLon,maxLat&zoom=z
// with optional engine and session.
func parseQueryParams(r *http.Request) (model.QueryRequest, error) {
	v := r.URL.Query()
	var q model.QueryRequest

	raw := strings.TrimSpace(v.Get("layers"))
	if raw == "" {
		return q, errors.New("missing required parameter: layers")
	}
	for l := range strings.SplitSeq(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			q.Layers = append(q.Layers, model.LayerRequest{LayerID: l})
		}
	}

	bb, err := parseBBOX(v.Get("bbox"))
	if err != nil {
		return q, fmt.Errorf("invalid bbox: %w", err)
	}
	q.BBox = bb

	zoom, err := parseFloat(v.Get("zoom"))
	if err != nil {
		return q, fmt.Errorf("invalid zoom: %w", err)
	}
	q.View = model.ViewState{
		Zoom:   zoom,
		Center: model.LatLon{Lat: (bb.MinLat + bb.MaxLat) / 2, Lon: (bb.MinLon + bb.MaxLon) / 2},
	}
	q.Engine = model.EngineSelector(strings.TrimSpace(v.Get("engine")))
	q.SessionID = strings.TrimSpace(v.Get("session"))
	return q, nil
}

// parseBBOX accepts minLon,minLat,maxLon,maxLat with an optional trailing
// EPSG:4326. Geometric validity is left to the AOI resolver.
func parseBBOX(s string) (model.BBox, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) == 5 {
		if srid := strings.ToUpper(strings.TrimSpace(parts[4])); srid != "EPSG:4326" {
			return model.BBox{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
		}
		parts = parts[:4]
	}
	if len(parts) != 4 {
		return model.BBox{}, errors.New("expected minLon,minLat,maxLon,maxLat")
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := parseFloat(p)
		if err != nil {
			return model.BBox{}, fmt.Errorf("value %d: %w", i+1, err)
		}
		vals[i] = f
	}
	return model.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
