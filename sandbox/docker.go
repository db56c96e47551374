package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/types"
)

// Engine runs sandboxes as docker containers on an isolated internal
// bridge network. Containers have no internet access; the engine
// reaches them directly by their network address.
type Engine struct {
	cli            client.APIClient
	httpc          *http.Client
	networkName    string
	pool           *Pool
	acquireTimeout time.Duration
	readyBudget    time.Duration
}

type EngineOption func(*Engine)

// WithPoolSize bounds the number of concurrent miner sandboxes.
func WithPoolSize(n int) EngineOption {
	return func(e *Engine) { e.pool = NewPool(n) }
}

// WithNetworkName overrides the isolated network's name.
func WithNetworkName(name string) EngineOption {
	return func(e *Engine) { e.networkName = name }
}

// WithAcquireTimeout bounds how long Acquire waits for a miner slot.
func WithAcquireTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.acquireTimeout = d }
}

// WithReadinessBudget bounds the total time spent probing /health.
func WithReadinessBudget(d time.Duration) EngineOption {
	return func(e *Engine) { e.readyBudget = d }
}

func NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		httpc:          &http.Client{},
		networkName:    "arbiter-sandbox",
		pool:           NewPool(4),
		acquireTimeout: time.Minute,
		readyBudget:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	e.cli = cli

	if err := e.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// ensureNetwork creates the isolated bridge network if it does not
// exist yet. Internal keeps sandboxed code off the internet.
func (e *Engine) ensureNetwork(ctx context.Context) error {
	nets, err := e.cli.NetworkList(ctx, dockertypes.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", e.networkName)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == e.networkName {
			return nil
		}
	}
	_, err = e.cli.NetworkCreate(ctx, e.networkName, dockertypes.NetworkCreate{
		Driver:   "bridge",
		Internal: true,
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", e.networkName, err)
	}
	return nil
}

func (e *Engine) Acquire(ctx context.Context, challenge, image string, role Role, limits Limits) (*Handle, error) {
	logger := logging.FromContext(ctx)

	if role == RoleMiner {
		if err := e.pool.Acquire(ctx, e.acquireTimeout); err != nil {
			return nil, err
		}
	}

	handle, err := e.start(ctx, challenge, image, role, limits)
	if err != nil {
		if role == RoleMiner {
			e.pool.Release()
		}
		return nil, err
	}
	if role == RoleMiner {
		handle.release = e.pool.Release
	}

	startsTotal.WithLabelValues(string(role)).Inc()
	logger.Info("sandbox ready",
		zap.String("challenge", challenge),
		zap.String("role", string(role)),
		zap.String("container", handle.ContainerID[:12]),
		zap.String("addr", handle.Addr),
	)
	return handle, nil
}

func (e *Engine) start(ctx context.Context, challenge, image string, role Role, limits Limits) (*Handle, error) {
	rc, err := e.cli.ImagePull(ctx, image, dockertypes.ImagePullOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: pulling %s: %v", types.ErrBuild, image, err)
	}
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()

	name := fmt.Sprintf("arbiter-%s-%s", challenge, role)
	if role.Exclusive() {
		if err := e.removeLeftovers(ctx, name); err != nil {
			return nil, err
		}
	} else {
		name = fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	}

	port := role.ContainerPort()
	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		&container.HostConfig{
			Resources: container.Resources{
				NanoCPUs: limits.NanoCPUs,
				Memory:   limits.MemoryBytes,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				e.networkName: {},
			},
		},
		nil, name,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container from %s: %v", types.ErrBuild, image, err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, dockertypes.ContainerStartOptions{}); err != nil {
		e.remove(context.Background(), created.ID)
		return nil, fmt.Errorf("%w: starting container: %v", types.ErrBuild, err)
	}

	info, err := e.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		e.remove(context.Background(), created.ID)
		return nil, fmt.Errorf("%w: inspecting container: %v", types.ErrBuild, err)
	}
	endpoint, ok := info.NetworkSettings.Networks[e.networkName]
	if !ok || endpoint.IPAddress == "" {
		e.remove(context.Background(), created.ID)
		return nil, fmt.Errorf("%w: container has no address on %s", types.ErrBuild, e.networkName)
	}
	addr := net.JoinHostPort(endpoint.IPAddress, port.Port())

	alive := func(ctx context.Context) (bool, error) {
		return e.running(ctx, created.ID)
	}
	if err := waitReady(ctx, e.httpc, addr, e.readyBudget, alive); err != nil {
		if errors.Is(err, types.ErrCrashed) {
			crashesTotal.Inc()
		}
		e.remove(context.Background(), created.ID)
		return nil, err
	}

	return &Handle{
		ContainerID: created.ID,
		Challenge:   challenge,
		Role:        role,
		Image:       image,
		Addr:        addr,
	}, nil
}

func (e *Engine) Execute(ctx context.Context, handle *Handle, req Request, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	url := fmt.Sprintf("http://%s%s", handle.Addr, req.Path)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s after %v", types.ErrTimeout, req.Method, req.Path, timeout)
		}
		// A refused connection usually means the container died.
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer checkCancel()
		if running, ierr := e.running(checkCtx, handle.ContainerID); ierr == nil && !running {
			crashesTotal.Inc()
			return nil, fmt.Errorf("%w: during %s %s", types.ErrCrashed, req.Method, req.Path)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	executeDuration.Observe(time.Since(started).Seconds())

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s returned %d", req.Method, req.Path, resp.StatusCode)
	}
	return body, nil
}

func (e *Engine) Release(ctx context.Context, handle *Handle) {
	if handle == nil {
		return
	}
	logger := logging.FromContext(ctx)
	e.remove(ctx, handle.ContainerID)
	if handle.release != nil {
		handle.release()
		handle.release = nil
	}
	logger.Debug("sandbox released",
		zap.String("challenge", handle.Challenge),
		zap.String("role", string(handle.Role)),
	)
}

func (e *Engine) running(ctx context.Context, id string) (bool, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

// removeLeftovers removes any container still holding an exclusive
// role's name, e.g. after an unclean shutdown.
func (e *Engine) removeLeftovers(ctx context.Context, name string) error {
	containers, err := e.cli.ContainerList(ctx, dockertypes.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing leftover containers: %w", err)
	}
	for _, c := range containers {
		logging.FromContext(ctx).Info("removing leftover container", zap.String("container", c.ID[:12]))
		e.remove(ctx, c.ID)
	}
	return nil
}

func (e *Engine) remove(ctx context.Context, id string) {
	err := e.cli.ContainerRemove(ctx, id, dockertypes.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		logging.FromContext(ctx).Warn("removing container", zap.String("container", id[:12]), zap.Error(err))
	}
}
