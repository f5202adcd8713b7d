package container

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDocker struct {
	mu sync.Mutex

	createErr  error
	startErr   error
	inspect    container.InspectResponse
	images     []image.Summary
	pulled     []string
	created    []*container.Config
	hostConfig []*container.HostConfig
	stopped    []string
	removed    []string
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string,
) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, config)
	f.hostConfig = append(f.hostConfig, hostConfig)
	return container.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return f.inspect, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) Close() error { return nil }

func inspectWithPort(hostPort string) container.InspectResponse {
	settings := &container.NetworkSettings{}
	settings.Ports = nat.PortMap{
		nat.Port(defaultDevToolsPort): []nat.PortBinding{{HostIP: defaultHostIP, HostPort: hostPort}},
	}
	return container.InspectResponse{NetworkSettings: settings}
}

func TestLaunchCreateFailure(t *testing.T) {
	t.Parallel()

	docker := &fakeDocker{createErr: errors.New("no such image")}
	engine := NewWithClient(docker, Config{}, zap.NewNop())

	_, err := engine.Launch(context.Background())
	require.ErrorContains(t, err, "no such image")
	require.Empty(t, docker.removed)
}

func TestLaunchStartFailureRemovesContainer(t *testing.T) {
	t.Parallel()

	docker := &fakeDocker{startErr: errors.New("port in use")}
	engine := NewWithClient(docker, Config{}, zap.NewNop())

	_, err := engine.Launch(context.Background())
	require.ErrorContains(t, err, "port in use")
	require.Equal(t, []string{"0123456789abcdef"}, docker.removed)

	require.Len(t, docker.created, 1)
	require.Equal(t, defaultImage, docker.created[0].Image)
	require.Equal(t, managedByValue, docker.created[0].Labels[managedByLabel])
	require.Equal(t, int64(512<<20), docker.hostConfig[0].ShmSize)
}

func TestLaunchUnpublishedPortRemovesContainer(t *testing.T) {
	t.Parallel()

	docker := &fakeDocker{inspect: container.InspectResponse{NetworkSettings: &container.NetworkSettings{}}}
	engine := NewWithClient(docker, Config{}, zap.NewNop())

	_, err := engine.Launch(context.Background())
	require.ErrorContains(t, err, "not published")
	require.Len(t, docker.removed, 1)
}

func TestLaunchNotReadyRespectsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)

	docker := &fakeDocker{inspect: inspectWithPort(port)}
	engine := NewWithClient(docker, Config{HostIP: host}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = engine.Launch(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, docker.removed, 1)
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"webSocketDebuggerUrl":"ws://127.0.0.1/devtools/browser/x"}`)
	}))
	defer srv.Close()

	engine := NewWithClient(&fakeDocker{}, Config{}, zap.NewNop())
	require.NoError(t, engine.waitReady(context.Background(), srv.URL+"/json/version"))
}

func TestEnsureImage(t *testing.T) {
	t.Parallel()

	present := &fakeDocker{images: []image.Summary{{RepoTags: []string{defaultImage}}}}
	require.NoError(t, NewWithClient(present, Config{}, zap.NewNop()).EnsureImage(context.Background()))
	require.Empty(t, present.pulled)

	missing := &fakeDocker{}
	require.NoError(t, NewWithClient(missing, Config{Image: "example/chrome:1"}, zap.NewNop()).EnsureImage(context.Background()))
	require.Equal(t, []string{"example/chrome:1"}, missing.pulled)
}

func TestShortID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	require.Equal(t, "abc", shortID("abc"))
}
