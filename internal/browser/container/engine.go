// Package container launches one headless Chrome container per browser
// handle through the Docker API and drives it with chromedp.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/browser/headless"
	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/id/uuid"
)

const (
	defaultImage        = "chromedp/headless-shell:latest"
	defaultDevToolsPort = "9222/tcp"
	defaultHostIP       = "127.0.0.1"
	managedByLabel      = "managed-by"
	managedByValue      = "pagesnap"
	readyPollInterval   = 250 * time.Millisecond
	stopTimeoutSeconds  = 5
)

// DockerAPI is the subset of the Docker client used by the engine.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Config controls container launch.
type Config struct {
	Image string
	// HostIP is the interface the DevTools port is published on.
	HostIP    string
	UserAgent string
	// ShmSize in bytes; Chrome crashes on large pages with Docker's 64MB default.
	ShmSize int64
}

// Engine implements capture.Engine with Docker containers.
type Engine struct {
	docker DockerAPI
	cfg    Config
	ids    capture.IDGenerator
	http   *http.Client
	logger *zap.Logger
}

// New connects to the Docker daemon configured in the environment.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewWithClient(cli, cfg, logger), nil
}

// NewWithClient builds an Engine on an existing Docker client.
func NewWithClient(docker DockerAPI, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.HostIP == "" {
		cfg.HostIP = defaultHostIP
	}
	if cfg.ShmSize <= 0 {
		cfg.ShmSize = 512 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		docker: docker,
		cfg:    cfg,
		ids:    uuid.NewUUIDGenerator(),
		http:   &http.Client{Timeout: 2 * time.Second},
		logger: logger.Named("container"),
	}
}

// Close releases the Docker client.
func (e *Engine) Close() error {
	if err := e.docker.Close(); err != nil {
		return fmt.Errorf("close docker client: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image when it is not present locally.
func (e *Engine) EnsureImage(ctx context.Context) error {
	images, err := e.docker.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		if slices.Contains(img.RepoTags, e.cfg.Image) {
			return nil
		}
	}
	e.logger.Info("pulling browser image", zap.String("image", e.cfg.Image))
	reader, err := e.docker.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", e.cfg.Image, err)
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			e.logger.Debug("close pull stream", zap.Error(cerr))
		}
	}()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", e.cfg.Image, err)
	}
	return nil
}

// Launch starts a container and connects chromedp to it. The container is
// removed when the returned browser is closed.
func (e *Engine) Launch(ctx context.Context) (capture.Browser, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("container name: %w", err)
	}
	port := nat.Port(defaultDevToolsPort)
	containerConfig := &container.Config{
		Image: e.cfg.Image,
		Labels: map[string]string{
			managedByLabel: managedByValue,
			"handle":       id,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: e.cfg.HostIP, HostPort: "0"}},
		},
		ShmSize: e.cfg.ShmSize,
	}

	resp, err := e.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "pagesnap-"+id)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	log := e.logger.With(zap.String("container_id", shortID(resp.ID)))

	fail := func(err error) (capture.Browser, error) {
		e.remove(resp.ID, log)
		return nil, err
	}
	if err := e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("failed to start container: %w", err))
	}
	inspect, err := e.docker.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return fail(fmt.Errorf("failed to inspect container: %w", err))
	}
	hostPort, err := publishedPort(inspect, port)
	if err != nil {
		return fail(err)
	}
	endpoint := net.JoinHostPort(e.cfg.HostIP, hostPort)
	if err := e.waitReady(ctx, "http://"+endpoint+"/json/version"); err != nil {
		return fail(fmt.Errorf("browser failed to become ready: %w", err))
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), "ws://"+endpoint)
	b, err := headless.Connect(ctx, allocCtx, allocCancel, e.cfg.UserAgent, log)
	if err != nil {
		return fail(err)
	}
	b.OnClose(func() { e.remove(resp.ID, log) })
	log.Debug("browser container ready", zap.String("endpoint", endpoint))
	return b, nil
}

// remove stops and deletes a container. It runs detached from any request
// context so teardown completes even after cancellation.
func (e *Engine) remove(id string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), (stopTimeoutSeconds+10)*time.Second)
	defer cancel()
	timeout := stopTimeoutSeconds
	if err := e.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Debug("failed to stop container", zap.Error(err))
	}
	if err := e.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Warn("failed to remove container", zap.Error(err))
	}
}

// waitReady polls the DevTools version endpoint until it answers 200.
func (e *Engine) waitReady(ctx context.Context, url string) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build readiness request: %w", err)
		}
		resp, err := e.http.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("devtools endpoint %s: %w", url, ctx.Err())
		case <-ticker.C:
		}
	}
}

func publishedPort(inspect container.InspectResponse, port nat.Port) (string, error) {
	if inspect.NetworkSettings == nil {
		return "", errors.New("container has no network settings")
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", fmt.Errorf("port %s is not published", port)
	}
	return bindings[0].HostPort, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
