// Package browser manages the headless browser that carries the automation
// surface: one Docker container per agent, with the client profile on a
// named volume so a linked session survives restarts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	profileMountPath = "/data/profile"
	debugPort        = "9222"
	stopTimeoutSecs  = 10

	memoryLimitBytes = 2 * 1024 * 1024 * 1024 // headless chromium is hungry
	pidsLimit        = 512

	browserNetwork = "campaigner"
	browserSubnet  = "172.29.0.0/16"

	readyPollInterval = 500 * time.Millisecond
	readyTimeout      = 60 * time.Second
)

// Launcher provides an automation surface endpoint for one agent.
type Launcher interface {
	// Launch returns the DevTools debug URL for the agent's browser,
	// starting it if needed.
	Launch(ctx context.Context, agentID string) (string, error)

	// Stop shuts the agent's browser down, keeping the profile.
	Stop(ctx context.Context, agentID string) error

	// WipeProfile removes the agent's persisted profile. Only valid after
	// Stop; used by explicit logout.
	WipeProfile(ctx context.Context, agentID string) error
}

// Attach is a Launcher that points at an externally managed browser, for
// development against a locally running chromium.
type Attach struct {
	DebugURL string
}

func (a Attach) Launch(context.Context, string) (string, error) { return a.DebugURL, nil }
func (a Attach) Stop(context.Context, string) error             { return nil }
func (a Attach) WipeProfile(context.Context, string) error      { return nil }

// DockerLauncher implements Launcher on the Docker API.
type DockerLauncher struct {
	cli    *client.Client
	image  string
	logger *slog.Logger

	// ready is swapped in tests to avoid real HTTP polling.
	ready func(ctx context.Context, debugURL string) error
}

// NewDockerLauncher builds a launcher running the given browser image.
func NewDockerLauncher(image string, logger *slog.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	logger.Info("docker client initialized", "image", image)
	return &DockerLauncher{cli: cli, image: image, logger: logger, ready: waitDevTools}, nil
}

func containerName(agentID string) string { return "campaigner-browser-" + agentID }
func volumeName(agentID string) string    { return "campaigner-" + agentID + "-profile" }

// Launch ensures the agent's browser container is running and its DevTools
// endpoint answers, and returns the debug URL.
func (l *DockerLauncher) Launch(ctx context.Context, agentID string) (string, error) {
	name := containerName(agentID)

	inspect, err := l.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State.Running {
			url, err := l.debugURL(ctx, name)
			if err != nil {
				return "", err
			}
			l.logger.Info("browser already running", "agent_id", agentID, "container_id", inspect.ID)
			return url, l.ready(ctx, url)
		}
		// A stopped browser container holds no useful state outside its
		// profile volume; recycle it.
		l.logger.Info("recycling stopped browser", "agent_id", agentID, "container_id", inspect.ID)
		if err := l.remove(ctx, inspect.ID); err != nil {
			l.logger.Warn("failed to remove stopped browser", "error", err, "container_id", inspect.ID)
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect browser %s: %w", name, err)
	}

	if _, err := l.ensureNetwork(ctx); err != nil {
		return "", err
	}

	l.logger.Info("launching browser", "agent_id", agentID, "volume", volumeName(agentID))

	config := &container.Config{
		Image: l.image,
		Cmd: []string{
			"--headless=new",
			"--no-sandbox",
			"--disable-gpu",
			"--remote-debugging-address=0.0.0.0",
			"--remote-debugging-port=" + debugPort,
			"--user-data-dir=" + profileMountPath,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(browserNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName(agentID),
			Target: profileMountPath,
		}},
		ShmSize: 1024 * 1024 * 1024, // chromium renderer needs a big /dev/shm
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := l.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create browser container: %w", err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			l.logger.Warn("failed to remove browser after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start browser %s: %w", resp.ID, err)
	}

	url, err := l.debugURL(ctx, name)
	if err != nil {
		return "", err
	}
	if err := l.ready(ctx, url); err != nil {
		return "", fmt.Errorf("browser for %s never became ready: %w", agentID, err)
	}
	l.logger.Info("browser ready", "agent_id", agentID, "container_id", resp.ID, "debug_url", url)
	return url, nil
}

// debugURL resolves the container's address on the bridge network.
func (l *DockerLauncher) debugURL(ctx context.Context, name string) (string, error) {
	inspect, err := l.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect browser %s: %w", name, err)
	}
	settings, ok := inspect.NetworkSettings.Networks[browserNetwork]
	if !ok || settings.IPAddress == "" {
		return "", fmt.Errorf("browser %s has no address on network %s", name, browserNetwork)
	}
	return "http://" + settings.IPAddress + ":" + debugPort, nil
}

// Stop stops and removes the agent's browser container. Idempotent; the
// profile volume is kept.
func (l *DockerLauncher) Stop(ctx context.Context, agentID string) error {
	name := containerName(agentID)
	inspect, err := l.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect browser %s: %w", name, err)
	}

	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, inspect.ID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		l.logger.Debug("browser stop returned error, continuing to remove", "container_id", inspect.ID, "error", err)
	}
	return l.remove(ctx, inspect.ID)
}

func (l *DockerLauncher) remove(ctx context.Context, containerID string) error {
	if err := l.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove browser %s: %w", containerID, err)
	}
	return nil
}

// WipeProfile deletes the agent's profile volume. The device link dies with
// it; the next Launch starts from a fresh pairing.
func (l *DockerLauncher) WipeProfile(ctx context.Context, agentID string) error {
	if err := l.cli.VolumeRemove(ctx, volumeName(agentID), true); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove profile volume for %s: %w", agentID, err)
	}
	l.logger.Info("profile wiped", "agent_id", agentID)
	return nil
}

// ensureNetwork creates the bridge network if it doesn't exist.
func (l *DockerLauncher) ensureNetwork(ctx context.Context) (string, error) {
	networks, err := l.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == browserNetwork {
			return nw.ID, nil
		}
	}

	createResp, err := l.cli.NetworkCreate(ctx, browserNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: browserSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", browserNetwork, err)
	}
	l.logger.Info("browser network created", "network_id", createResp.ID, "subnet", browserSubnet)
	return createResp.ID, nil
}

// waitDevTools polls the DevTools version endpoint until it answers.
func waitDevTools(ctx context.Context, debugURL string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	hc := &http.Client{Timeout: 2 * time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, debugURL+"/json/version", nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("devtools endpoint %s: %w", debugURL, ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
