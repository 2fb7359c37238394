package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/backend/fswatch"
	"github.com/conductorhq/conductor/pkg/event"
)

// transcriptFile is the engine transcript inside the session directory.
const transcriptFile = "transcript.jsonl"

// dockerBackend is one session's container handle.
type dockerBackend struct {
	cli         *client.Client
	sessionID   string
	containerID string
	hostPort    string
	hostDir     string
}

var _ backend.Backend = (*dockerBackend)(nil)

func (b *dockerBackend) ID() string {
	return b.containerID
}

func (b *dockerBackend) shimURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%s%s", b.hostPort, path)
}

// Prepare writes the accumulated session state into the bind-mounted
// directory and tells the shim to resume the engine from it.
func (b *dockerBackend) Prepare(ctx context.Context, params backend.PrepareParams) error {
	workspaceDir := filepath.Join(b.hostDir, "workspace")
	for _, f := range params.WorkspaceFiles {
		path := filepath.Join(workspaceDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create workspace dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write workspace file %s: %w", f.Path, err)
		}
	}

	if params.Transcript != "" {
		if err := os.WriteFile(filepath.Join(b.hostDir, transcriptFile), []byte(params.Transcript), 0o644); err != nil {
			return fmt.Errorf("failed to write transcript: %w", err)
		}
	}

	body, err := json.Marshal(map[string]any{
		"session_id":   params.SessionID,
		"engine":       params.Engine,
		"instructions": params.Instructions,
		"options":      params.Options,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.shimURL("/prepare"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("shim prepare failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("shim prepare failed %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// ExecuteQuery posts the prompt and streams the engine's NDJSON output from
// the chunked response body.
func (b *dockerBackend) ExecuteQuery(ctx context.Context, prompt string, opts event.Options) (backend.Stream, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":  prompt,
		"options": opts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.shimURL("/query"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shim query failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("shim query failed %d: %s", resp.StatusCode, msg)
	}

	s := &lineStream{body: resp.Body, lines: make(chan json.RawMessage, 64)}
	go s.pump()
	return s, nil
}

// lineStream scans NDJSON lines off the response body.
type lineStream struct {
	body  io.ReadCloser
	lines chan json.RawMessage
	err   error
}

func (s *lineStream) pump() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.body)
	// Engines produce long lines: tool results can embed whole files.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.lines <- json.RawMessage(append([]byte(nil), line...))
	}
	s.err = scanner.Err()
}

func (s *lineStream) Lines() <-chan json.RawMessage { return s.lines }
func (s *lineStream) Err() error                    { return s.err }
func (s *lineStream) Close() error                  { return s.body.Close() }

func (b *dockerBackend) ReadTranscript(ctx context.Context) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.hostDir, transcriptFile))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (b *dockerBackend) WorkspaceFiles(ctx context.Context) ([]event.WorkspaceFile, error) {
	workspaceDir := filepath.Join(b.hostDir, "workspace")
	var files []event.WorkspaceFile
	err := filepath.WalkDir(workspaceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(workspaceDir, path)
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

func (b *dockerBackend) WatchWorkspaceFiles(ctx context.Context) (<-chan backend.FileChange, func(), error) {
	return fswatch.Workspace(ctx, filepath.Join(b.hostDir, "workspace"))
}

func (b *dockerBackend) WatchTranscript(ctx context.Context) (<-chan struct{}, func(), error) {
	return fswatch.File(ctx, b.hostDir, transcriptFile)
}

// IsHealthy checks the shim endpoint with a short deadline; a container that
// cannot answer within two seconds is as good as dead for the health
// monitor's purposes.
func (b *dockerBackend) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.shimURL("/healthz"), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Cleanup force-removes the container. A missing container is success: the
// goal state is "gone".
func (b *dockerBackend) Cleanup(ctx context.Context) error {
	err := b.cli.ContainerRemove(ctx, b.containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}
