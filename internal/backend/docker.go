package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	callTimeout = 10 * time.Second
	pullTimeout = 2 * time.Minute
	stopTimeout = 5 // seconds, passed to the engine

	configHashLabel = "mtproman.config-hash"
)

// Docker is the production Runtime backed by the Docker Engine API.
type Docker struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDocker connects to the engine at host (empty = environment
// default) and verifies it responds.
func NewDocker(host string, logger *slog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("backend: create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("backend: ping docker daemon: %w", err)
	}

	return &Docker{cli: cli, logger: logger.With("component", "docker")}, nil
}

// Close releases the underlying HTTP client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) List(ctx context.Context, prefix string) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("backend: list containers: %w", err)
	}

	var out []Container
	for _, c := range list {
		name := containerName(c.Names)
		// The engine's name filter matches substrings; enforce the
		// prefix strictly.
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		entry := Container{
			Name:       name,
			Running:    c.State == "running",
			State:      c.State,
			ConfigHash: c.Labels[configHashLabel],
		}
		// The list endpoint does not report start times; ask the
		// engine per running container, best-effort.
		if entry.Running {
			if info, err := d.Inspect(ctx, name); err == nil {
				entry.StartedAt = info.StartedAt
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func (d *Docker) Start(ctx context.Context, spec StartSpec) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return fmt.Errorf("backend: port %d: %w", spec.Port, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          strslice.StrSlice(spec.Cmd),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{configHashLabel: spec.ConfigHash},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		// tc needs NET_ADMIN inside the container's namespace.
		CapAdd: strslice.StrSlice{"NET_ADMIN"},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("backend: create %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("backend: start %s: %w", spec.Name, err)
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, name string) (Container, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return Container{}, fmt.Errorf("backend: inspect %s: %w", name, err)
	}
	c := Container{
		Name:    strings.TrimPrefix(info.Name, "/"),
		Running: info.State != nil && info.State.Running,
	}
	if info.Config != nil {
		c.ConfigHash = info.Config.Labels[configHashLabel]
	}
	if info.State != nil {
		c.State = info.State.Status
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			c.StartedAt = t
		}
	}
	return c, nil
}

func (d *Docker) StopRemove(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout+stopTimeout*time.Second)
	defer cancel()

	timeout := stopTimeout
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		// Keep going: remove below is forced.
		d.logger.Debug("stop failed, forcing removal", "container", name, "err", err)
	}
	if err := d.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("backend: remove %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	exec, err := d.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("backend: exec create in %s: %w", name, err)
	}

	att, err := d.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("backend: exec attach in %s: %w", name, err)
	}
	defer att.Close()

	var out bytes.Buffer
	if _, err := demuxStream(&out, att.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("backend: exec read in %s: %w", name, err)
	}

	insp, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("backend: exec inspect in %s: %w", name, err)
	}
	return ExecResult{ExitCode: insp.ExitCode, Output: out.String()}, nil
}

func (d *Docker) Stats(ctx context.Context, name string) (NetCounters, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := d.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return NetCounters{}, false, fmt.Errorf("backend: stats %s: %w", name, err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return NetCounters{}, false, fmt.Errorf("backend: decode stats %s: %w", name, err)
	}

	// Prefer eth0, fall back to any interface the engine reports.
	net, ok := stats.Networks["eth0"]
	if !ok {
		for _, v := range stats.Networks {
			net, ok = v, true
			break
		}
	}
	if !ok {
		return NetCounters{}, false, nil
	}
	return NetCounters{Rx: int64(net.RxBytes), Tx: int64(net.TxBytes)}, true, nil
}

func (d *Docker) Logs(ctx context.Context, name string, tail int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	rc, err := d.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("backend: logs %s: %w", name, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := demuxStream(&out, rc); err != nil {
		return "", fmt.Errorf("backend: read logs %s: %w", name, err)
	}
	return out.String(), nil
}

// demuxStream merges the engine's multiplexed stdout/stderr stream into
// a single writer. Containers are created without a TTY, so the stream
// always carries stdcopy framing.
func demuxStream(dst io.Writer, src io.Reader) (int64, error) {
	return stdcopy.StdCopy(dst, dst, src)
}

func (d *Docker) EnsureImage(ctx context.Context, image string) error {
	inspectCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, _, err := d.cli.ImageInspectWithRaw(inspectCtx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("backend: inspect image %s: %w", image, err)
	}

	d.logger.Info("pulling image", "image", image)
	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	rc, err := d.cli.ImagePull(pullCtx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("backend: pull image %s: %w", image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("backend: pull image %s: %w", image, err)
	}
	return nil
}
