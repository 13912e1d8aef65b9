// lodbench replays pan and zoom sessions against /query and reports latency,
// cache hit ratio and superseded requests.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
)

type Config struct {
	TargetURL      string
	Layers         []string
	Engine         string
	Sessions       int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	Viewports      int
	ThinkTime      time.Duration
	OutputPrefix   string
	RequestTimeout time.Duration
	Seed           int64
}

func loadConfig() Config {
	var cfg Config
	var layers string
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/query", "lodserver /query URL")
	flag.StringVar(&layers, "layers", "roads,pubs", "comma separated layer ids")
	flag.StringVar(&cfg.Engine, "engine", "in_memory", "engine selector")
	flag.IntVar(&cfg.Sessions, "sessions", 16, "concurrent viewport sessions")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.Viewports, "viewports", 128, "distinct viewports in pool")
	flag.DurationVar(&cfg.ThinkTime, "think", 0, "pause between requests of one session")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/lodbench", "output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "per-request timeout")
	flag.Int64Var(&cfg.Seed, "seed", 0, "random seed (0 = time based)")
	flag.Parse()
	for l := range strings.SplitSeq(layers, ",") {
		if l = strings.TrimSpace(l); l != "" {
			cfg.Layers = append(cfg.Layers, l)
		}
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return cfg
}

type viewport struct {
	BBox model.BBox
	Zoom float64
}

// makeViewports mixes hot viewports around a few city centres with cold ones
// spread over central Europe. Sizes follow the zoom so the box roughly
// matches a 1024px wide screen.
func makeViewports(count int, r *rand.Rand) []viewport {
	centers := [][2]float64{
		{14.4378, 50.0755}, // Prague
		{16.6068, 49.1951}, // Brno
		{13.3777, 49.7384}, // Plzeň
		{18.2625, 49.8209}, // Ostrava
	}
	out := make([]viewport, 0, count)
	hot := int(math.Max(8, float64(count/4)))
	for i := 0; i < hot && len(out) < count; i++ {
		c := centers[i%len(centers)]
		z := 10 + r.Float64()*6
		out = append(out, around(c[0]+(r.Float64()-0.5)*0.1, c[1]+(r.Float64()-0.5)*0.1, z))
	}
	for len(out) < count {
		z := 6 + r.Float64()*10
		out = append(out, around(12+r.Float64()*7, 48.5+r.Float64()*2.5, z))
	}
	return out
}

func around(lon, lat, zoom float64) viewport {
	half := 360 / math.Pow(2, zoom) * 2
	return viewport{
		BBox: model.BBox{MinLon: lon - half, MinLat: lat - half/2, MaxLon: lon + half, MaxLat: lat + half/2},
		Zoom: zoom,
	}
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	CacheHit  bool
	ErrorMsg  string
	Viewport  int
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	Superseded    int64     `json:"superseded"`
	ErrorCount    int64     `json:"errors"`
	CacheHitRatio float64   `json:"cache_hit_ratio"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Sessions      int       `json:"sessions"`
	Viewports     int       `json:"viewports"`
	TargetURL     string    `json:"target"`
	Layers        []string  `json:"layers"`
	Engine        string    `json:"engine"`
}

type tally struct {
	total, success, superseded, errors, hits int64
	latMs                                    []float64
}

func (t *tally) add(s sample) {
	t.total++
	switch {
	case s.Status == http.StatusConflict:
		t.superseded++
	case s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300:
		t.success++
		if s.CacheHit {
			t.hits++
		}
		t.latMs = append(t.latMs, float64(s.Latency.Microseconds())/1000.0)
	default:
		t.errors++
	}
}

func (t *tally) summarize(cfg Config, start, end time.Time) summary {
	sort.Float64s(t.latMs)
	elapsed := end.Sub(start).Seconds()
	s := summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		TotalRequests: t.total,
		SuccessCount:  t.success,
		Superseded:    t.superseded,
		ErrorCount:    t.errors,
		P50Ms:         percentile(t.latMs, 50),
		P95Ms:         percentile(t.latMs, 95),
		P99Ms:         percentile(t.latMs, 99),
		Sessions:      cfg.Sessions,
		Viewports:     cfg.Viewports,
		TargetURL:     cfg.TargetURL,
		Layers:        cfg.Layers,
		Engine:        cfg.Engine,
	}
	if elapsed > 0 {
		s.ThroughputRPS = float64(t.total) / elapsed
	}
	if t.success > 0 {
		s.CacheHitRatio = float64(t.hits) / float64(t.success)
	}
	return s
}

func main() {
	cfg := loadConfig()
	if len(cfg.Layers) == 0 || cfg.Viewports < 2 {
		log.Fatalf("need at least one layer and two viewports")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	views := makeViewports(cfg.Viewports, rand.New(rand.NewSource(cfg.Seed)))
	imax := uint64(len(views)) - 1

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        1024,
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Fatalf("open csv: %v", err)
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samples := make(chan sample, 4096)
	done := make(chan *tally, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "cache_hit", "error", "viewport"})
		t := &tally{latMs: make([]float64, 0, 1<<16)}
		for s := range samples {
			t.add(s)
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				strconv.Itoa(s.Status),
				strconv.FormatBool(s.CacheHit),
				s.ErrorMsg,
				strconv.Itoa(s.Viewport),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		done <- t
	}()

	start := time.Now()
	log.Printf("lodbench start target=%s layers=%v dur=%s sessions=%d viewports=%d",
		cfg.TargetURL, cfg.Layers, cfg.Duration, cfg.Sessions, len(views))

	var wg sync.WaitGroup
	for id := range cfg.Sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSession(ctx, httpClient, cfg, views, imax, id, samples)
		}()
	}
	go func() {
		wg.Wait()
		close(samples)
	}()

	t := <-done
	sum := t.summarize(cfg, start, time.Now())

	if f, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		_ = f.Close()
	}
	log.Printf("done: total=%d ok=%d superseded=%d err=%d hit=%.2f thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		sum.TotalRequests, sum.SuccessCount, sum.Superseded, sum.ErrorCount, sum.CacheHitRatio,
		sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func runSession(ctx context.Context, c *http.Client, cfg Config, views []viewport, imax uint64, id int, out chan<- sample) {
	r := rand.New(rand.NewSource(cfg.Seed + int64(id) + 1))
	zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, imax)
	session := fmt.Sprintf("bench-%d", id)

	layers := make([]model.LayerRequest, len(cfg.Layers))
	for i, l := range cfg.Layers {
		layers[i] = model.LayerRequest{LayerID: l}
	}

	for ctx.Err() == nil {
		idx := int(zipf.Uint64())
		v := views[idx]
		body, _ := json.Marshal(model.QueryRequest{
			BBox:      v.BBox,
			View:      model.ViewState{Zoom: v.Zoom},
			Layers:    layers,
			Engine:    model.EngineSelector(cfg.Engine),
			SessionID: session,
		})

		s := sample{Timestamp: time.Now(), Viewport: idx}
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TargetURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.Do(req)
		s.Latency = time.Since(s.Timestamp)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.ErrorMsg = err.Error()
		} else {
			s.Status = resp.StatusCode
			s.CacheHit = readCacheHit(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
				s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
			}
		}

		select {
		case out <- s:
		case <-ctx.Done():
			return
		}
		if cfg.ThinkTime > 0 {
			select {
			case <-time.After(cfg.ThinkTime):
			case <-ctx.Done():
				return
			}
		}
	}
}

func readCacheHit(r io.Reader) bool {
	var body struct {
		Stats struct {
			CacheHit bool `json:"cacheHit"`
		} `json:"stats"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, r)
	return body.Stats.CacheHit
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
