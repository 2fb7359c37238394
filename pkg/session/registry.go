package session

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/store"
)

// Registry maps session ids to live coordinators: at most one coordinator
// per id, loads deduplicated while in flight.
type Registry struct {
	st       store.Manager
	provider backend.Provider
	cfg      Config

	mu     sync.Mutex
	coords map[string]*Coordinator

	loads singleflight.Group
}

func NewRegistry(st store.Manager, provider backend.Provider, cfg Config) *Registry {
	return &Registry{
		st:       st,
		provider: provider,
		cfg:      cfg,
		coords:   make(map[string]*Coordinator),
	}
}

// Create makes a new session record and loads its coordinator.
func (r *Registry) Create(profileID, title string) (*Coordinator, error) {
	rec, err := r.st.CreateSession(profileID, title)
	if err != nil {
		return nil, err
	}
	return r.Load(rec.ID)
}

// Load returns the coordinator for the session, constructing it on first
// use. Idempotent: concurrent loads of the same id share one construction.
func (r *Registry) Load(id string) (*Coordinator, error) {
	r.mu.Lock()
	if c, ok := r.coords[id]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	v, err, _ := r.loads.Do(id, func() (any, error) {
		r.mu.Lock()
		if c, ok := r.coords[id]; ok {
			r.mu.Unlock()
			return c, nil
		}
		r.mu.Unlock()

		rec, err := r.st.LoadSession(id)
		if err != nil {
			return nil, err
		}
		profile, err := r.st.GetProfile(rec.ProfileID)
		if err != nil {
			// The profile may have been deleted since the session was
			// created; the record's engine is enough to run it.
			slog.Warn("session profile missing, using record engine", "session", id, "profile", rec.ProfileID)
			profile = &store.Profile{ID: rec.ProfileID, Engine: rec.Engine}
		}

		c, err := NewCoordinator(rec, profile, r.st, r.provider, r.cfg, func(sid string) {
			r.Unload(context.Background(), sid)
		})
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.coords[id] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Coordinator), nil
}

// Get returns the coordinator only if it is already loaded.
func (r *Registry) Get(id string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coords[id]
	return c, ok
}

// Unload removes the session from the registry and tears its coordinator
// down. The map entry is always removed; teardown errors are logged.
func (r *Registry) Unload(ctx context.Context, id string) {
	r.mu.Lock()
	c := r.coords[id]
	delete(r.coords, id)
	r.mu.Unlock()

	if c == nil {
		return
	}
	if err := c.Close(ctx); err != nil {
		slog.Warn("session teardown failed", "session", id, "error", err)
	}
}

// Shutdown closes every loaded session concurrently, bounded by the caller's
// context deadline. Per-session failures are logged, not propagated.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		coords = append(coords, c)
	}
	r.coords = make(map[string]*Coordinator)
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range coords {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				slog.Warn("session shutdown failed", "session", c.ID(), "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
