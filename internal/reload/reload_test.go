package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/viewport-lod/internal/lod"
	"github.com/mohammed-shakir/viewport-lod/internal/store"
)

const pointsFC = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"a","properties":{},"geometry":{"type":"Point","coordinates":[14.4,50.1]}},
{"type":"Feature","id":"b","properties":{},"geometry":{"type":"Point","coordinates":[14.5,50.0]}}]}`

const policyYAML = `default:
  ranges:
    - {minZoom: 0, maxZoom: 22, maxFeatures: 10}
`

type fakeTarget struct {
	mu       sync.Mutex
	policies []*lod.Policy
	resets   int
}

func (f *fakeTarget) SetPolicy(_ context.Context, p *lod.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies = append(f.policies, p)
	return nil
}

func (f *fakeTarget) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

type fakeStore struct{ got *store.Store }

func (f *fakeStore) SetStore(s *store.Store) { f.got = s }

type fakeColumnar struct {
	reopens int
	err     error
}

func (f *fakeColumnar) Reopen() error {
	f.reopens++
	return f.err
}

func writeFiles(t *testing.T) (dir, policy, catalog string) {
	t.Helper()
	dir = t.TempDir()
	policy = filepath.Join(dir, "policy.yaml")
	catalog = filepath.Join(dir, "layers.yaml")
	must := func(p, body string) {
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	must(filepath.Join(dir, "pubs.geojson"), pointsFC)
	must(catalog, "layers:\n  - id: pubs\n    kind: points\n    path: pubs.geojson\n")
	must(policy, policyYAML)
	return dir, policy, catalog
}

func TestReload_AllWhenNothingNamed(t *testing.T) {
	_, policy, catalog := writeFiles(t)
	tgt, st := &fakeTarget{}, &fakeStore{}
	r := &Reloader{PolicyFile: policy, CatalogFile: catalog, Target: tgt, Store: st}

	if err := r.Reload(context.Background(), nil); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(tgt.policies) != 1 || tgt.resets != 0 {
		t.Fatalf("policies=%d resets=%d; SetPolicy already resets", len(tgt.policies), tgt.resets)
	}
	if st.got == nil {
		t.Fatalf("store not swapped")
	}
	l, ok := st.got.Layer("pubs")
	if !ok || l.Len() != 2 {
		t.Fatalf("pubs layer not loaded: %v", ok)
	}
}

func TestReload_CatalogOnlyResets(t *testing.T) {
	_, policy, catalog := writeFiles(t)
	tgt, st := &fakeTarget{}, &fakeStore{}
	r := &Reloader{PolicyFile: policy, CatalogFile: catalog, Target: tgt, Store: st}

	abs, _ := filepath.Abs(catalog)
	if err := r.Reload(context.Background(), []string{abs}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(tgt.policies) != 0 || tgt.resets != 1 || st.got == nil {
		t.Fatalf("policies=%d resets=%d store=%v", len(tgt.policies), tgt.resets, st.got != nil)
	}
}

func TestReload_BadPolicyKeepsRunningConfig(t *testing.T) {
	_, policy, catalog := writeFiles(t)
	// gap between 5 and 7
	bad := "default:\n  ranges:\n    - {minZoom: 0, maxZoom: 5}\n    - {minZoom: 7, maxZoom: 22}\n"
	if err := os.WriteFile(policy, []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tgt, st := &fakeTarget{}, &fakeStore{}
	r := &Reloader{PolicyFile: policy, CatalogFile: catalog, Target: tgt, Store: st}

	if err := r.Reload(context.Background(), nil); err == nil {
		t.Fatalf("expected policy error")
	}
	if len(tgt.policies) != 0 || tgt.resets != 0 || st.got != nil {
		t.Fatalf("nothing may be applied on error")
	}
}

func TestReload_MarkerReopensColumnar(t *testing.T) {
	dir, policy, catalog := writeFiles(t)
	marker := filepath.Join(dir, "columnar.reload")
	tgt, st, col := &fakeTarget{}, &fakeStore{}, &fakeColumnar{}
	r := &Reloader{PolicyFile: policy, CatalogFile: catalog, Target: tgt, Store: st, Columnar: col, ColumnarMarker: marker}

	if got := r.Files(); len(got) != 3 || got[2] != marker {
		t.Fatalf("marker not watched: %v", got)
	}
	if err := r.Reload(context.Background(), []string{marker}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if col.reopens != 1 || tgt.resets != 1 || len(tgt.policies) != 0 || st.got != nil {
		t.Fatalf("reopens=%d resets=%d policies=%d store=%v", col.reopens, tgt.resets, len(tgt.policies), st.got != nil)
	}

	col.err = errors.New("locked")
	if err := r.Reload(context.Background(), []string{marker}); err == nil {
		t.Fatalf("expected reopen error")
	}
	if tgt.resets != 1 {
		t.Fatalf("failed reopen must not reset, resets=%d", tgt.resets)
	}
}

func TestReset_ReopensColumnarThenResets(t *testing.T) {
	tgt, col := &fakeTarget{}, &fakeColumnar{}
	r := &Reloader{Target: tgt, Columnar: col}

	if err := r.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if col.reopens != 1 || tgt.resets != 1 {
		t.Fatalf("reopens=%d resets=%d", col.reopens, tgt.resets)
	}

	col.err = errors.New("locked")
	if err := r.Reset(context.Background()); err == nil {
		t.Fatalf("expected reopen error to surface")
	}
	if tgt.resets != 2 {
		t.Fatalf("caches must still be cleared when reopen fails, resets=%d", tgt.resets)
	}

	// without a columnar store Reset is a plain pass-through
	if err := (&Reloader{Target: tgt}).Reset(context.Background()); err != nil || tgt.resets != 3 {
		t.Fatalf("err=%v resets=%d", err, tgt.resets)
	}
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	_, policy, catalog := writeFiles(t)

	calls := make(chan []string, 4)
	w, err := NewWatcher([]string{policy, catalog}, 50*time.Millisecond, func(_ context.Context, changed []string) {
		calls <- changed
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(policy, []byte(policyYAML), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// unrelated files in the same directory are ignored
	_ = os.WriteFile(filepath.Join(filepath.Dir(policy), "other.txt"), []byte("x"), 0o644)

	select {
	case changed := <-calls:
		abs, _ := filepath.Abs(policy)
		if len(changed) != 1 || changed[0] != filepath.Clean(abs) {
			t.Fatalf("changed=%v want [%s]", changed, abs)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler not called")
	}

	select {
	case extra := <-calls:
		t.Fatalf("writes within one window must batch, got extra call %v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewWatcher_RequiresFiles(t *testing.T) {
	if _, err := NewWatcher(nil, 0, func(context.Context, []string) {}, nil); err == nil {
		t.Fatalf("expected error for empty file list")
	}
}
