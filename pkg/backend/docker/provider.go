// Package docker provisions execution backends as one container per
// session. The engine runs behind a small shim server inside the container;
// the session directory is bind-mounted from the host so workspace and
// transcript watchers run against the local filesystem.
package docker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/conductorhq/conductor/pkg/backend"
)

const (
	// ShimPort is the port the engine shim server listens on inside the
	// container.
	ShimPort = "8700"

	// SessionMount is where the host session directory lands in the
	// container.
	SessionMount = "/session"

	defaultClaudeImage = "conductor-engine-claude:latest"
	defaultCodexImage  = "conductor-engine-codex:latest"
)

// Config selects the engine images and the host directory that holds
// per-session state.
type Config struct {
	// Root is the host directory containing one subdirectory per session.
	Root string

	// Images maps engine name to container image. Missing entries fall
	// back to the conductor-engine-<name> defaults.
	Images map[string]string
}

// Provider implements backend.Provider using docker containers.
type Provider struct {
	cli    *client.Client
	config Config
}

var _ backend.Provider = (*Provider)(nil)

// NewProvider creates a docker client from the environment.
func NewProvider(config Config) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Provider{cli: cli, config: config}, nil
}

func (p *Provider) Close() error {
	return p.cli.Close()
}

func (p *Provider) image(engine string) string {
	if img, ok := p.config.Images[engine]; ok && img != "" {
		return img
	}
	switch engine {
	case backend.EngineCodex:
		return defaultCodexImage
	default:
		return defaultClaudeImage
	}
}

func containerName(sessionID string) string {
	return "conductor-" + sessionID
}

// New ensures the session container exists and is healthy, creating and
// starting it when needed, and returns a handle bound to its shim port.
func (p *Provider) New(ctx context.Context, sessionID, engine string) (backend.Backend, error) {
	hostDir := filepath.Join(p.config.Root, sessionID)
	if err := os.MkdirAll(filepath.Join(hostDir, "workspace"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	containerID, hostPort, err := p.ensureRunning(ctx, sessionID, engine, hostDir)
	if err != nil {
		return nil, err
	}

	return &dockerBackend{
		cli:         p.cli,
		sessionID:   sessionID,
		containerID: containerID,
		hostPort:    hostPort,
		hostDir:     hostDir,
	}, nil
}

// ensureRunning checks if the container is running, starts it if not, and
// returns its id and mapped shim port.
func (p *Provider) ensureRunning(ctx context.Context, sessionID, engine, hostDir string) (string, string, error) {
	name := containerName(sessionID)

	c, err := p.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return p.createAndStart(ctx, sessionID, engine, hostDir)
		}
		return "", "", fmt.Errorf("failed to inspect container: %w", err)
	}

	if !c.State.Running {
		if err := p.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
			return "", "", fmt.Errorf("failed to start container: %w", err)
		}
		c, err = p.cli.ContainerInspect(ctx, name)
		if err != nil {
			return "", "", err
		}
	}

	port, err := shimPort(c)
	if err != nil {
		return "", "", err
	}
	if err := waitForHealth(ctx, port); err != nil {
		return "", "", err
	}
	return c.ID, port, nil
}

func (p *Provider) createAndStart(ctx context.Context, sessionID, engine, hostDir string) (string, string, error) {
	image := p.image(engine)

	// The image must exist locally; pulling engine images on the activation
	// path would make the first message unboundedly slow.
	if _, _, err := p.cli.ImageInspectWithRaw(ctx, image); err != nil {
		return "", "", fmt.Errorf("engine image %q not found, run 'make engine-images': %w", image, err)
	}

	cfg := &container.Config{
		Image: image,
		Env:   []string{"CONDUCTOR_SESSION_ID=" + sessionID, "CONDUCTOR_ENGINE=" + engine},
		ExposedPorts: nat.PortSet{
			nat.Port(ShimPort + "/tcp"): {},
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{hostDir + ":" + SessionMount},
		PortBindings: nat.PortMap{
			nat.Port(ShimPort + "/tcp"): []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
	}

	resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(sessionID))
	if err != nil {
		return "", "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", "", fmt.Errorf("failed to start container: %w", err)
	}

	c, err := p.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", "", err
	}
	port, err := shimPort(c)
	if err != nil {
		return "", "", err
	}
	if err := waitForHealth(ctx, port); err != nil {
		return "", "", err
	}
	return resp.ID, port, nil
}

func shimPort(c types.ContainerJSON) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(ShimPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but shim port not mapped")
}

// waitForHealth polls the shim until it answers. Engine startup installs the
// engine CLI on first boot, which can take a while.
func waitForHealth(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/healthz", port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeoutCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for engine shim health")
		case <-ticker.C:
			req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}
