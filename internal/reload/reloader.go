package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mohammed-shakir/viewport-lod/internal/core/observability"
	"github.com/mohammed-shakir/viewport-lod/internal/lod"
	"github.com/mohammed-shakir/viewport-lod/internal/store"
)

// Target is the query pipeline: installing a policy resets its caches.
type Target interface {
	SetPolicy(ctx context.Context, p *lod.Policy) error
	Reset(ctx context.Context) error
}

// StoreSetter accepts a freshly loaded geometry store.
type StoreSetter interface {
	SetStore(s *store.Store)
}

// Reopener re-opens an external store in place.
type Reopener interface {
	Reopen() error
}

type Reloader struct {
	PolicyFile  string
	CatalogFile string
	Target      Target
	Store       StoreSetter
	// Columnar is reopened when ColumnarMarker is touched and on Reset.
	Columnar       Reopener
	ColumnarMarker string
	Logger         *slog.Logger
}

// Files lists the paths worth watching.
func (r *Reloader) Files() []string {
	var out []string
	marker := ""
	if r.Columnar != nil {
		marker = r.ColumnarMarker
	}
	for _, p := range []string{r.PolicyFile, r.CatalogFile, marker} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Reload re-reads whichever of the policy and catalog appear in changed, or
// both when changed is empty. A file that fails to parse leaves the running
// configuration untouched.
func (r *Reloader) Reload(ctx context.Context, changed []string) error {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	policy := r.PolicyFile != "" && (len(changed) == 0 || contains(changed, r.PolicyFile))
	catalog := r.CatalogFile != "" && r.Store != nil && (len(changed) == 0 || contains(changed, r.CatalogFile))
	columnar := r.ColumnarMarker != "" && r.Columnar != nil && (len(changed) == 0 || contains(changed, r.ColumnarMarker))
	if !policy && !catalog && !columnar {
		return nil
	}

	var (
		p *lod.Policy
		s *store.Store
	)
	if policy {
		var err error
		if p, err = lod.Load(r.PolicyFile); err != nil {
			return r.done(log, fmt.Errorf("reload policy: %w", err))
		}
	}
	if catalog {
		c, err := store.ReadCatalog(r.CatalogFile)
		if err != nil {
			return r.done(log, fmt.Errorf("reload catalog: %w", err))
		}
		if s, err = c.Load(filepath.Dir(r.CatalogFile)); err != nil {
			return r.done(log, fmt.Errorf("reload catalog: %w", err))
		}
	}

	if columnar {
		if err := r.Columnar.Reopen(); err != nil {
			return r.done(log, fmt.Errorf("reopen columnar store: %w", err))
		}
	}
	if s != nil {
		r.Store.SetStore(s)
		log.InfoContext(ctx, "layer store reloaded", "layers", len(s.Layers()))
	}
	var err error
	if p != nil {
		err = r.Target.SetPolicy(ctx, p)
		if err == nil {
			log.InfoContext(ctx, "lod policy reloaded", "layers", len(p.Layers))
		}
	} else {
		err = r.Target.Reset(ctx)
	}
	return r.done(log, err)
}

// Reset reopens the columnar store, if any, and then resets the target. A
// failed reopen keeps the previous store serving but still clears caches.
func (r *Reloader) Reset(ctx context.Context) error {
	var reopenErr error
	if r.Columnar != nil {
		if reopenErr = r.Columnar.Reopen(); reopenErr != nil {
			reopenErr = fmt.Errorf("reopen columnar store: %w", reopenErr)
		}
	}
	return errors.Join(reopenErr, r.Target.Reset(ctx))
}

// Handle adapts Reload to a watcher Handler.
func (r *Reloader) Handle(ctx context.Context, changed []string) {
	_ = r.Reload(ctx, changed)
}

func (r *Reloader) done(log *slog.Logger, err error) error {
	observability.IncResetEvent("watch", err)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reload failed; keeping previous configuration", "err", err)
	}
	return err
}

func contains(changed []string, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, c := range changed {
		if c == abs || c == path {
			return true
		}
	}
	return false
}
