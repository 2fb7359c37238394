// Package session owns the per-session lifecycle: lazy backend activation,
// query execution, health monitoring, periodic transcript sync, and the
// registry mapping session ids to live coordinators.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/conductorhq/conductor/pkg/adapter"
	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/event"
	"github.com/conductorhq/conductor/pkg/store"
)

// Config tunes the coordinator's background jobs.
type Config struct {
	// HealthInterval is how often backend liveness is polled.
	HealthInterval time.Duration

	// SyncInterval is how often the transcript and workspace are pulled
	// and persisted, independent of transcript watch signals.
	SyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 60 * time.Second
	}
	return c
}

// Coordinator drives one session. The backend is provisioned lazily on the
// first query and single-flighted: concurrent callers during activation all
// wait for the one provisioning attempt.
type Coordinator struct {
	id      string
	record  *store.SessionRecord
	profile *store.Profile

	st       store.Manager
	provider backend.Provider
	cfg      Config

	bus   *event.Bus
	state *State
	ad    adapter.Adapter

	// onTerminated is invoked (in its own goroutine) after the backend is
	// torn down by a health failure, so the registry can unload us.
	onTerminated func(sessionID string)

	activate singleflight.Group

	// ctx outlives any single caller; background jobs and shared
	// activation hang off it.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	be          backend.Backend
	stopJobs    func()
	queryCancel context.CancelFunc
	closed      bool

	// queryMu serializes queries; the engines are single-turn.
	queryMu sync.Mutex
}

// NewCoordinator loads the session into memory: conversation state is
// rebuilt from the stored transcript, the workspace mirror is seeded, and
// the persistence listener is attached. No backend is provisioned yet.
func NewCoordinator(rec *store.SessionRecord, profile *store.Profile, st store.Manager, provider backend.Provider, cfg Config, onTerminated func(string)) (*Coordinator, error) {
	ad, err := adapter.New(rec.Engine, rec.ID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := event.NewBus()
	c := &Coordinator{
		id:           rec.ID,
		record:       rec,
		profile:      profile,
		st:           st,
		provider:     provider,
		cfg:          cfg.withDefaults(),
		bus:          bus,
		state:        NewState(rec.ID, bus),
		ad:           ad,
		onTerminated: onTerminated,
		ctx:          ctx,
		cancel:       cancel,
	}

	runPersister(st, rec.ID, bus)

	transcript, err := st.LoadTranscript(rec.ID)
	if err != nil {
		slog.Warn("failed to load stored transcript", "session", rec.ID, "error", err)
	} else if transcript != "" {
		rebuilt, err := adapter.Replay(rec.Engine, rec.ID, transcript)
		if err != nil {
			slog.Warn("failed to rebuild conversation from transcript", "session", rec.ID, "error", err)
		} else {
			c.state.ReplaceConversation(rebuilt)
		}
	}

	files, err := st.ListWorkspaceFiles(rec.ID)
	if err != nil {
		slog.Warn("failed to load workspace mirror", "session", rec.ID, "error", err)
	} else {
		c.state.SeedWorkspaceFiles(files)
	}

	return c, nil
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// Record returns the session's stored metadata.
func (c *Coordinator) Record() store.SessionRecord { return *c.record }

// Snapshot returns a copy of the current session state.
func (c *Coordinator) Snapshot() Snapshot { return c.state.Snapshot() }

// Subscribe attaches a listener to the session's event stream.
func (c *Coordinator) Subscribe() (<-chan event.Event, func()) { return c.bus.Subscribe() }

func (c *Coordinator) newEvent(typ event.Type) event.Event {
	return event.Event{
		Type:      typ,
		SessionID: c.id,
		Source:    "system",
		Timestamp: time.Now(),
	}
}

// queryOptions overlays session option overrides on the profile defaults.
func (c *Coordinator) queryOptions() event.Options {
	opts := c.state.Snapshot().Options
	if opts.Model == "" {
		opts.Model = c.profile.Model
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = c.profile.PermissionMode
	}
	if opts.MaxTurns == 0 {
		opts.MaxTurns = c.profile.MaxTurns
	}
	return opts
}

// UpdateOptions publishes new option overrides for subsequent queries.
func (c *Coordinator) UpdateOptions(opts event.Options) {
	e := c.newEvent(event.TypeOptionsUpdate)
	e.OptionsUpdate = &event.OptionsUpdateEvent{Options: opts}
	c.bus.Publish(e)
}

// ensureActive returns the live backend, provisioning one if needed. All
// concurrent callers share a single provisioning attempt.
func (c *Coordinator) ensureActive(ctx context.Context) (backend.Backend, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ActivationError{SessionID: c.id, Err: fmt.Errorf("session is closed")}
	}
	if be := c.be; be != nil {
		c.mu.Unlock()
		return be, nil
	}
	c.mu.Unlock()

	v, err, _ := c.activate.Do("activate", func() (any, error) {
		c.mu.Lock()
		if be := c.be; be != nil {
			c.mu.Unlock()
			return be, nil
		}
		c.mu.Unlock()
		// Provision under the coordinator's own context so the attempt
		// other callers are waiting on does not die with the first
		// caller's request.
		return c.provision(c.ctx)
	})
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, &ActivationError{SessionID: c.id, Err: ctx.Err()}
		default:
		}
		return nil, &ActivationError{SessionID: c.id, Err: err}
	}
	return v.(backend.Backend), nil
}

func (c *Coordinator) provision(ctx context.Context) (backend.Backend, error) {
	creating := c.newEvent(event.TypeBackendCreating)
	creating.BackendCreating = &event.BackendCreatingEvent{StatusMessage: "provisioning execution backend"}
	c.bus.Publish(creating)

	be, err := c.provider.New(ctx, c.id, c.record.Engine)
	if err != nil {
		c.publishActivationFailure(err)
		return nil, err
	}

	snap := c.state.Snapshot()
	transcript, err := c.st.LoadTranscript(c.id)
	if err != nil {
		slog.Warn("preparing backend without stored transcript", "session", c.id, "error", err)
	}
	params := backend.PrepareParams{
		SessionID:      c.id,
		Engine:         c.record.Engine,
		Instructions:   c.profile.Instructions,
		WorkspaceFiles: snap.WorkspaceFiles,
		Transcript:     transcript,
		Options:        c.queryOptions(),
	}
	if err := be.Prepare(ctx, params); err != nil {
		c.publishActivationFailure(err)
		if cerr := be.Cleanup(ctx); cerr != nil {
			slog.Warn("failed to clean up backend after prepare failure", "session", c.id, "error", cerr)
		}
		return nil, err
	}

	stopJobs := c.startJobs(be)

	c.mu.Lock()
	c.be = be
	c.stopJobs = stopJobs
	c.mu.Unlock()

	ready := c.newEvent(event.TypeBackendReady)
	ready.BackendReady = &event.BackendReadyEvent{BackendID: be.ID()}
	c.bus.Publish(ready)
	return be, nil
}

func (c *Coordinator) publishActivationFailure(err error) {
	e := c.newEvent(event.TypeError)
	e.Error = &event.ErrorEvent{Message: err.Error(), Code: "activation_failed"}
	c.bus.Publish(e)
}

// startJobs launches the watchers and tickers tied to one backend instance.
// The returned stop function is idempotent through the context cancel.
func (c *Coordinator) startJobs(be backend.Backend) func() {
	ctx, cancel := context.WithCancel(c.ctx)

	fileChanges, stopFiles, err := be.WatchWorkspaceFiles(ctx)
	if err != nil {
		slog.Warn("workspace watcher unavailable", "session", c.id, "error", err)
		stopFiles = func() {}
	} else {
		go c.pumpFileChanges(fileChanges)
	}

	transcriptSignals, stopTranscript, err := be.WatchTranscript(ctx)
	if err != nil {
		slog.Warn("transcript watcher unavailable", "session", c.id, "error", err)
		stopTranscript = func() {}
	} else {
		go func() {
			for range transcriptSignals {
				c.syncNow(ctx, be)
			}
		}()
	}

	go c.healthLoop(ctx, be)
	go c.syncLoop(ctx, be)

	return func() {
		cancel()
		stopFiles()
		stopTranscript()
	}
}

func (c *Coordinator) pumpFileChanges(changes <-chan backend.FileChange) {
	for ch := range changes {
		var e event.Event
		switch ch.Op {
		case backend.FileCreated:
			e = c.newEvent(event.TypeFileCreated)
			e.File = &event.FileEvent{File: event.WorkspaceFile{Path: ch.Path, Content: ch.Content}}
		case backend.FileModified:
			e = c.newEvent(event.TypeFileModified)
			e.File = &event.FileEvent{File: event.WorkspaceFile{Path: ch.Path, Content: ch.Content}}
		case backend.FileDeleted:
			e = c.newEvent(event.TypeFileDeleted)
			e.FileDeleted = &event.FileDeletedEvent{Path: ch.Path}
		default:
			continue
		}
		c.bus.Publish(e)
	}
}

func (c *Coordinator) healthLoop(ctx context.Context, be backend.Backend) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx, be)
		}
	}
}

func (c *Coordinator) checkHealth(ctx context.Context, be backend.Backend) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	healthy := be.IsHealthy(hctx)
	cancel()

	if healthy {
		c.state.MarkHealthy(time.Now())
		if c.state.BackendInfo().Status != BackendReady {
			ready := c.newEvent(event.TypeBackendReady)
			ready.BackendReady = &event.BackendReadyEvent{BackendID: be.ID()}
			c.bus.Publish(ready)
		}
		return
	}
	c.terminate("backend health check failed")
}

// terminate tears down the current backend and notifies the registry. The
// session record survives; a later query re-activates from the transcript.
func (c *Coordinator) terminate(reason string) {
	c.mu.Lock()
	be := c.be
	stop := c.stopJobs
	c.be = nil
	c.stopJobs = nil
	c.mu.Unlock()

	if be == nil {
		return
	}
	if stop != nil {
		stop()
	}

	e := c.newEvent(event.TypeBackendTerminated)
	e.BackendTerminated = &event.BackendTerminatedEvent{Reason: reason}
	c.bus.Publish(e)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := be.Cleanup(ctx); err != nil {
		slog.Warn("backend cleanup failed", "session", c.id, "error", err)
	}
	cancel()

	if c.onTerminated != nil {
		go c.onTerminated(c.id)
	}
}

func (c *Coordinator) syncLoop(ctx context.Context, be backend.Backend) {
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncNow(ctx, be)
		}
	}
}

// syncNow pulls the backend's transcript and workspace and persists both.
// The transcript stays authoritative: the conversation is replaced with a
// rebuild, which converges with the live-streamed state by construction.
// Sync failures are logged, never fatal.
func (c *Coordinator) syncNow(ctx context.Context, be backend.Backend) {
	transcript, ok, err := be.ReadTranscript(ctx)
	if err != nil {
		slog.Warn("transcript sync failed", "session", c.id, "error", err)
	} else if ok && transcript != "" {
		if err := c.st.SaveTranscript(c.id, transcript); err != nil {
			slog.Warn("failed to persist transcript", "session", c.id, "error", err)
		}
		rebuilt, err := adapter.Replay(c.record.Engine, c.id, transcript)
		if err != nil {
			slog.Warn("transcript rebuild failed", "session", c.id, "error", err)
		} else {
			c.state.ReplaceConversation(rebuilt)
			if err := c.st.SaveSnapshot(c.id, rebuilt); err != nil {
				slog.Warn("failed to persist snapshot", "session", c.id, "error", err)
			}
		}
	}

	files, err := be.WorkspaceFiles(ctx)
	if err != nil {
		slog.Warn("workspace sync failed", "session", c.id, "error", err)
		return
	}
	for _, f := range files {
		if err := c.st.SaveWorkspaceFile(c.id, f); err != nil {
			slog.Warn("failed to persist workspace file", "session", c.id, "path", f.Path, "error", err)
		}
	}
	c.state.SeedWorkspaceFiles(files)
}

// SendMessage runs one query: activate if needed, publish the user's
// message, stream the engine's raw lines through the adapter onto the bus,
// and close the turn. On failure the backend is left as-is; only queries
// fail, termination is the health monitor's call.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	be, err := c.ensureActive(ctx)
	if err != nil {
		return err
	}

	c.queryMu.Lock()
	defer c.queryMu.Unlock()

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.queryCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.queryCancel = nil
		c.mu.Unlock()
	}()

	start := time.Now()
	started := c.newEvent(event.TypeQueryStarted)
	started.QueryStarted = &event.QueryStartedEvent{Message: text}
	c.bus.Publish(started)

	userBlock := c.newEvent(event.TypeBlockUpsert)
	userBlock.BlockUpsert = &event.BlockUpsertEvent{Block: event.Block{
		ID:      "user_" + uuid.New().String(),
		Type:    event.BlockUserMessage,
		Status:  event.BlockComplete,
		Content: text,
	}}
	c.bus.Publish(userBlock)

	stream, err := be.ExecuteQuery(qctx, text, c.queryOptions())
	if err != nil {
		return c.failQuery(err)
	}

	var fatal error
	for raw := range stream.Lines() {
		events, herr := c.ad.HandleLine(raw)
		for _, e := range events {
			c.bus.Publish(e)
		}
		if herr != nil {
			fatal = herr
			break
		}
	}
	if cerr := stream.Close(); cerr != nil && fatal == nil {
		fatal = cerr
	}
	if fatal == nil {
		fatal = stream.Err()
	}

	// Close any blocks the stream left open, success or not.
	for _, e := range c.ad.FinalizeAll() {
		c.bus.Publish(e)
	}

	if fatal != nil {
		return c.failQuery(fatal)
	}

	completed := c.newEvent(event.TypeQueryCompleted)
	completed.QueryCompleted = &event.QueryCompletedEvent{DurationMS: time.Since(start).Milliseconds()}
	c.bus.Publish(completed)

	c.syncNow(ctx, be)
	return nil
}

func (c *Coordinator) failQuery(err error) error {
	failed := c.newEvent(event.TypeQueryFailed)
	failed.QueryFailed = &event.QueryFailedEvent{Error: err.Error()}
	c.bus.Publish(failed)
	return &QueryExecutionError{SessionID: c.id, Err: err}
}

// StopQuery cancels the in-flight query, if any.
func (c *Coordinator) StopQuery() {
	c.mu.Lock()
	cancel := c.queryCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close tears the session down: stop jobs, final sync, release the backend,
// close the bus. Idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	be := c.be
	stop := c.stopJobs
	c.be = nil
	c.stopJobs = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}

	var err error
	if be != nil {
		c.syncNow(ctx, be)
		err = be.Cleanup(ctx)
		if serr := c.st.SetSessionStatus(c.id, store.SessionStatusTerminated); serr != nil {
			slog.Warn("failed to persist terminal status", "session", c.id, "error", serr)
		}
	}

	c.cancel()
	c.bus.Close()
	c.state.Close()
	return err
}
