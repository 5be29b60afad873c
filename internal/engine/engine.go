// Package engine abstracts the container engine control plane behind a
// circuit-breaker-gated adapter, with a native client implementation
// and a pooled-client fallback for deployments that need to bound
// concurrent engine connections.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dceops/sentryd/internal/breaker"
	"github.com/dceops/sentryd/internal/pool"
)

// Sentinel errors forming the adapter's error taxonomy.
var (
	ErrCircuitOpen       = errors.New("engine: circuit breaker open")
	ErrEngineUnavailable = errors.New("engine: unavailable")
	ErrNotFound          = errors.New("engine: container not found")
	ErrInvalidOutput     = errors.New("engine: exec output is not valid UTF-8")
)

// ContainerInfo is the subset of engine inspect/list data the monitor
// consumes, independent of the underlying SDK's wire types. Security
// posture fields (Privileged, NetworkMode, Binds) are only populated by
// Inspect — ListContainers' summary payload doesn't carry them.
type ContainerInfo struct {
	ID          string
	Name        string
	Image       string
	Status      string
	Labels      map[string]string
	Privileged  bool
	NetworkMode string
	Binds       []string
}

// StatsSnapshot is one point-in-time reading of a container's resource
// counters: CPU utilization, memory occupancy, and aggregate network
// byte counters across all interfaces.
type StatsSnapshot struct {
	CPUPercent     float64
	MemoryUsage    uint64
	MemoryLimit    uint64
	MemoryPercent  float64
	NetworkRxBytes uint64
	NetworkTxBytes uint64
}

// ClientInfo reports which backend an adapter is using and the current
// health of its circuit breaker.
type ClientInfo struct {
	Mode         string
	BreakerState string
	FailureCount int
}

// EngineAdapter is the facade every detector depends on; it never
// exposes the underlying SDK types so the native and pooled
// implementations are interchangeable.
type EngineAdapter interface {
	ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error)
	GetStats(ctx context.Context, containerID string) (StatsSnapshot, error)
	GetProcesses(ctx context.Context, containerID string) ([][]string, error)
	Inspect(ctx context.Context, containerID string) (ContainerInfo, error)
	Exec(ctx context.Context, containerID string, cmd []string) (string, error)
	ClientInfo() ClientInfo
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// --- Shared per-call bodies. Both adapters run these against a
// *client.Client; only how the client is obtained differs. ---

func listContainers(ctx context.Context, cli *client.Client, all bool) ([]ContainerInfo, error) {
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: all})
	if err != nil {
		return nil, err
	}
	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Status: c.State,
			Labels: c.Labels,
		})
	}
	return out, nil
}

func getStats(ctx context.Context, cli *client.Client, containerID string) (StatsSnapshot, error) {
	resp, err := cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return StatsSnapshot{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatsSnapshot{}, err
	}
	var raw types.StatsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return StatsSnapshot{}, err
	}
	return snapshotFromStats(raw), nil
}

// snapshotFromStats reduces the engine's raw stats document to the
// counters detection predicates consume. CPU percent follows the
// engine's own delta-over-system-delta formula.
func snapshotFromStats(raw types.StatsJSON) StatsSnapshot {
	s := StatsSnapshot{
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if onlineCPUs > 0 {
			s.CPUPercent = (cpuDelta / sysDelta) * onlineCPUs * 100
		}
	}

	for _, nw := range raw.Networks {
		s.NetworkRxBytes += nw.RxBytes
		s.NetworkTxBytes += nw.TxBytes
	}
	return s
}

func inspect(ctx context.Context, cli *client.Client, containerID string) (ContainerInfo, error) {
	info, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, err
	}
	out := ContainerInfo{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Image:  info.Image,
		Status: info.State.Status,
		Labels: info.Config.Labels,
	}
	if info.HostConfig != nil {
		out.Privileged = info.HostConfig.Privileged
		out.NetworkMode = string(info.HostConfig.NetworkMode)
		out.Binds = info.HostConfig.Binds
	}
	return out, nil
}

func execCommand(ctx context.Context, cli *client.Client, containerID string, cmd []string) (string, error) {
	execID, err := cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", err
	}
	attach, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return "", err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", err
	}
	if !utf8.Valid(stdout.Bytes()) {
		return "", ErrInvalidOutput
	}
	return stdout.String(), nil
}

// --- Native adapter: one engine client shared across calls, gated by a
// circuit breaker. This is the default, lower-overhead mode. ---

type nativeAdapter struct {
	cli *client.Client
	cb  *breaker.CircuitBreaker
}

// NewNative builds an EngineAdapter backed directly by the engine
// client SDK, opening the circuit after 5 consecutive failures and
// probing recovery every 60s (breaker.Config zero value).
func NewNative(cb breaker.Config) (EngineAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return &nativeAdapter{cli: cli, cb: breaker.New(cb)}, nil
}

// guard runs fn under the circuit breaker. CanExecute is consulted
// exactly once per call: in the half-open state that single check
// claims the probe slot, and fn's outcome decides whether the circuit
// closes or reopens.
func (a *nativeAdapter) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if !a.cb.CanExecute() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		a.cb.RecordFailure()
		if isNotFound(err) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	a.cb.RecordSuccess()
	return nil
}

func (a *nativeAdapter) ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	var out []ContainerInfo
	err := a.guard(ctx, func(ctx context.Context) error {
		var inner error
		out, inner = listContainers(ctx, a.cli, all)
		return inner
	})
	if errors.Is(err, ErrCircuitOpen) {
		// Degrade to an empty list rather than an error: a listing
		// sweep with the engine unreachable skips this round instead
		// of crashing the monitor loop.
		return nil, nil
	}
	return out, err
}

func (a *nativeAdapter) GetStats(ctx context.Context, containerID string) (StatsSnapshot, error) {
	var out StatsSnapshot
	err := a.guard(ctx, func(ctx context.Context) error {
		var inner error
		out, inner = getStats(ctx, a.cli, containerID)
		return inner
	})
	return out, err
}

func (a *nativeAdapter) GetProcesses(ctx context.Context, containerID string) ([][]string, error) {
	var out [][]string
	err := a.guard(ctx, func(ctx context.Context) error {
		top, err := a.cli.ContainerTop(ctx, containerID, nil)
		if err != nil {
			return err
		}
		out = top.Processes
		return nil
	})
	return out, err
}

func (a *nativeAdapter) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	var out ContainerInfo
	err := a.guard(ctx, func(ctx context.Context) error {
		var inner error
		out, inner = inspect(ctx, a.cli, containerID)
		return inner
	})
	return out, err
}

func (a *nativeAdapter) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	var out string
	err := a.guard(ctx, func(ctx context.Context) error {
		var inner error
		out, inner = execCommand(ctx, a.cli, containerID, cmd)
		return inner
	})
	return out, err
}

func (a *nativeAdapter) ClientInfo() ClientInfo {
	return ClientInfo{
		Mode:         "native",
		BreakerState: a.cb.State().String(),
		FailureCount: a.cb.Failures(),
	}
}

// --- Pooled adapter: callers check out a client from a bounded
// ResourcePool, for environments that want to cap concurrent engine
// connections independently of the bounded executor's own semaphore. ---

type pooledAdapter struct {
	pool *pool.ResourcePool[*client.Client]
	cb   *breaker.CircuitBreaker
}

// NewPooled builds an EngineAdapter that checks out one of up to
// maxClients engine client connections per call.
func NewPooled(maxClients int, cb breaker.Config) (EngineAdapter, error) {
	p, err := pool.New(pool.Config[*client.Client]{
		MaxSize: maxClients,
		Factory: func(ctx context.Context) (*client.Client, error) {
			return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		},
		Close: func(c *client.Client) error { return c.Close() },
	})
	if err != nil {
		return nil, err
	}
	return &pooledAdapter{pool: p, cb: breaker.New(cb)}, nil
}

func clientIdentity(c *client.Client) any { return c }

// withClient mirrors nativeAdapter.guard with a pool checkout wrapped
// around fn; the single CanExecute call claims the half-open probe slot
// when applicable.
func (a *pooledAdapter) withClient(ctx context.Context, fn func(cli *client.Client) error) error {
	if !a.cb.CanExecute() {
		return ErrCircuitOpen
	}
	cli, err := a.pool.Acquire(ctx, clientIdentity)
	if err != nil {
		a.cb.RecordFailure()
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer a.pool.Release(cli, clientIdentity)

	if err := fn(cli); err != nil {
		a.cb.RecordFailure()
		if isNotFound(err) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	a.cb.RecordSuccess()
	return nil
}

func (a *pooledAdapter) ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	var out []ContainerInfo
	err := a.withClient(ctx, func(cli *client.Client) error {
		var inner error
		out, inner = listContainers(ctx, cli, all)
		return inner
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, nil
	}
	return out, err
}

func (a *pooledAdapter) GetStats(ctx context.Context, containerID string) (StatsSnapshot, error) {
	var out StatsSnapshot
	err := a.withClient(ctx, func(cli *client.Client) error {
		var inner error
		out, inner = getStats(ctx, cli, containerID)
		return inner
	})
	return out, err
}

func (a *pooledAdapter) GetProcesses(ctx context.Context, containerID string) ([][]string, error) {
	var out [][]string
	err := a.withClient(ctx, func(cli *client.Client) error {
		top, err := cli.ContainerTop(ctx, containerID, nil)
		if err != nil {
			return err
		}
		out = top.Processes
		return nil
	})
	return out, err
}

func (a *pooledAdapter) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	var out ContainerInfo
	err := a.withClient(ctx, func(cli *client.Client) error {
		var inner error
		out, inner = inspect(ctx, cli, containerID)
		return inner
	})
	return out, err
}

func (a *pooledAdapter) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	var out string
	err := a.withClient(ctx, func(cli *client.Client) error {
		var inner error
		out, inner = execCommand(ctx, cli, containerID, cmd)
		return inner
	})
	return out, err
}

func (a *pooledAdapter) ClientInfo() ClientInfo {
	return ClientInfo{
		Mode:         "pooled",
		BreakerState: a.cb.State().String(),
		FailureCount: a.cb.Failures(),
	}
}
