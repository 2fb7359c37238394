// Package local implements the execution backend contract against a plain
// host directory and an engine command run per query. It exists for
// development and integration testing: same contract as the docker backend,
// no container in the way.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/backend/fswatch"
	"github.com/conductorhq/conductor/pkg/event"
)

const transcriptFile = "transcript.jsonl"

// Config selects the engine command per engine name. The command runs with
// the session workspace as its working directory and receives the prompt as
// its last argument; it must write engine wire-format NDJSON to stdout and
// append its transcript to transcript.jsonl in the session directory.
type Config struct {
	Root     string
	Commands map[string][]string
}

// Provider creates local backends under Root/<session-id>/.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("local backend root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg}, nil
}

func (p *Provider) New(ctx context.Context, sessionID, engine string) (backend.Backend, error) {
	command, ok := p.cfg.Commands[engine]
	if !ok || len(command) == 0 {
		return nil, fmt.Errorf("no local command configured for engine %q", engine)
	}

	dir := filepath.Join(p.cfg.Root, sessionID)
	if err := os.MkdirAll(filepath.Join(dir, "workspace"), 0o755); err != nil {
		return nil, err
	}
	return &localBackend{sessionID: sessionID, dir: dir, command: command}, nil
}

func (p *Provider) Close() error { return nil }

type localBackend struct {
	sessionID string
	dir       string
	command   []string

	mu      sync.Mutex
	cleaned bool
}

var _ backend.Backend = (*localBackend)(nil)

func (b *localBackend) ID() string {
	return "local-" + b.sessionID
}

func (b *localBackend) workspaceDir() string {
	return filepath.Join(b.dir, "workspace")
}

func (b *localBackend) Prepare(ctx context.Context, params backend.PrepareParams) error {
	for _, f := range params.WorkspaceFiles {
		path := filepath.Join(b.workspaceDir(), filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create workspace dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write workspace file %s: %w", f.Path, err)
		}
	}

	if params.Transcript != "" {
		if err := os.WriteFile(filepath.Join(b.dir, transcriptFile), []byte(params.Transcript), 0o644); err != nil {
			return fmt.Errorf("failed to write transcript: %w", err)
		}
	}

	seed, err := json.Marshal(map[string]any{
		"session_id":   params.SessionID,
		"engine":       params.Engine,
		"instructions": params.Instructions,
		"options":      params.Options,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.dir, "engine.json"), seed, 0o644)
}

// ExecuteQuery runs the engine command once and streams its stdout lines.
func (b *localBackend) ExecuteQuery(ctx context.Context, prompt string, opts event.Options) (backend.Stream, error) {
	args := append(append([]string(nil), b.command[1:]...), prompt)
	cmd := exec.CommandContext(ctx, b.command[0], args...)
	cmd.Dir = b.workspaceDir()
	cmd.Env = append(os.Environ(),
		"SESSION_DIR="+b.dir,
		"SESSION_ID="+b.sessionID,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine command: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("engine stderr", "session", b.sessionID, "line", scanner.Text())
		}
	}()

	s := &processStream{cmd: cmd, lines: make(chan json.RawMessage, 64)}
	go s.pump(stdout)
	return s, nil
}

type processStream struct {
	cmd   *exec.Cmd
	lines chan json.RawMessage

	mu  sync.Mutex
	err error
}

func (s *processStream) pump(stdout io.Reader) {
	defer close(s.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.lines <- json.RawMessage(append([]byte(nil), line...))
	}

	err := scanner.Err()
	if werr := s.cmd.Wait(); werr != nil && err == nil {
		err = werr
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *processStream) Lines() <-chan json.RawMessage { return s.lines }

func (s *processStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *processStream) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

func (b *localBackend) ReadTranscript(ctx context.Context) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, transcriptFile))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (b *localBackend) WorkspaceFiles(ctx context.Context) ([]event.WorkspaceFile, error) {
	var files []event.WorkspaceFile
	err := filepath.WalkDir(b.workspaceDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.workspaceDir(), path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, event.WorkspaceFile{
			Path:    filepath.ToSlash(rel),
			Content: string(content),
		})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}

func (b *localBackend) WatchWorkspaceFiles(ctx context.Context) (<-chan backend.FileChange, func(), error) {
	return fswatch.Workspace(ctx, b.workspaceDir())
}

func (b *localBackend) WatchTranscript(ctx context.Context) (<-chan struct{}, func(), error) {
	return fswatch.File(ctx, b.dir, transcriptFile)
}

// IsHealthy reports whether the session directory is still usable. There is
// no resident process to probe; the engine command runs per query.
func (b *localBackend) IsHealthy(ctx context.Context) bool {
	b.mu.Lock()
	cleaned := b.cleaned
	b.mu.Unlock()
	if cleaned {
		return false
	}
	_, err := os.Stat(b.dir)
	return err == nil
}

// Cleanup marks the backend dead but keeps the session directory; it holds
// the transcript the next activation resumes from.
func (b *localBackend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	b.cleaned = true
	b.mu.Unlock()
	return nil
}
