package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_duration_seconds",
		Help:      "Duration of sandboxed container executions",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	execTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_timeouts_total",
		Help:      "Number of sandboxed executions killed at their time limit",
	}, []string{"image"})

	execFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_failures_total",
		Help:      "Number of sandboxed executions that failed to run",
	}, []string{"image"})

	execOutputCapped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_output_capped_total",
		Help:      "Number of sandboxed executions whose output exceeded the cap",
	}, []string{"image"})
)

// ErrTimedOut is returned when the container was killed at its time limit.
var ErrTimedOut = errors.New("execution timed out")

// Executor runs a command inside an isolated, single-use container.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes one container run. No environment is passed through from the
// host, networking is always disabled and all capabilities are dropped.
type ExecutionRequest struct {
	Image             string
	Cmd               []string
	Timeout           time.Duration
	Workspace         string
	WorkingDir        string
	WorkspaceReadOnly bool
	ReadOnlyFS        bool
	User              string
	MemoryLimitMB     int64
	CPUShares         int64
	PidsLimit         int64
	OutputLimitBytes  int64
}

// ExecutionResult summarises the outcome of a container execution.
type ExecutionResult struct {
	Stdout           string
	Stderr           string
	ExitCode         int
	Duration         time.Duration
	TimedOut         bool
	OutputTruncated  bool
	MemoryUsageBytes int64
	CPUUsageNanosec  uint64
}

// Config groups executor defaults applied when a request leaves a limit unset.
type Config struct {
	Host             string
	Timeout          time.Duration
	MemoryLimitMB    int64
	CPUShares        int64
	PidsLimit        int64
	OutputLimitBytes int64
	WorkingDir       string
	Logger           zerolog.Logger
}

// DockerExecutor implements Executor on the Docker Engine API.
type DockerExecutor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor constructs a Docker backed executor.
func NewDockerExecutor(cfg Config) (*DockerExecutor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/workspace"
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 64
	}
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = 64 * 1024
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &DockerExecutor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-exam-engine/pkg/docker"),
		logger: logger.With().Str("component", "docker_executor").Logger(),
	}, nil
}

// Run executes the request inside a fresh container and always removes it afterwards.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	image := req.Image
	if image == "" {
		return ExecutionResult{}, errors.New("image is required")
	}

	ctx, span := e.tracer.Start(parent, "docker.executor.run", trace.WithAttributes(
		attribute.String("docker.image", image),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hostCfg := e.hostConfig(req)

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = e.cfg.WorkingDir
	}

	containerCfg := &container.Config{
		Image:           image,
		Cmd:             req.Cmd,
		Env:             []string{},
		User:            req.User,
		WorkingDir:      workingDir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}

	limit := req.OutputLimitBytes
	if limit <= 0 {
		limit = e.cfg.OutputLimitBytes
	}
	capture := newOutputCapture(limit)

	start := time.Now()
	result := ExecutionResult{}

	resp, err := e.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		execFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container create: %w", err)
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	// The log driver is disabled, so output is only ever read through this stream.
	attach, err := e.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		execFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container attach: %w", err)
	}
	defer attach.Close()

	copyDone := make(chan error, 1)
	go func() { copyDone <- capture.drain(attach.Reader) }()

	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		execFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container start: %w", err)
	}

	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-capture.overflow:
		e.kill(containerID)
		result.ExitCode = 137
		span.SetStatus(codes.Error, "output limit exceeded")
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	result.Duration = time.Since(start)
	execDuration.WithLabelValues(image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			execTimeouts.WithLabelValues(image).Inc()
			e.kill(containerID)
			span.SetStatus(codes.Error, "execution timed out")
		} else {
			execFailures.WithLabelValues(image).Inc()
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, waitErr.Error())
			return result, fmt.Errorf("container wait: %w", waitErr)
		}
	}

	select {
	case err := <-copyDone:
		if err != nil {
			e.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to read container output")
		}
	case <-time.After(2 * time.Second):
		attach.Close()
		<-copyDone
	}
	result.Stdout = capture.stdout.buf.String()
	result.Stderr = capture.stderr.buf.String()
	result.OutputTruncated = capture.truncated()
	if result.OutputTruncated {
		execOutputCapped.WithLabelValues(image).Inc()
	}

	statsCtx, cancelStats := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelStats()
	if stats, err := e.client.ContainerStatsOneShot(statsCtx, containerID); err == nil {
		defer stats.Body.Close()
		var data types.StatsJSON
		if decodeErr := json.NewDecoder(stats.Body).Decode(&data); decodeErr == nil {
			result.MemoryUsageBytes = int64(data.MemoryStats.Usage)
			result.CPUUsageNanosec = data.CPUStats.CPUUsage.TotalUsage
		}
	}

	if result.TimedOut {
		return result, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}

	return result, nil
}

func (e *DockerExecutor) hostConfig(req ExecutionRequest) *container.HostConfig {
	memory := req.MemoryLimitMB
	if memory <= 0 {
		memory = e.cfg.MemoryLimitMB
	}
	cpuShares := req.CPUShares
	if cpuShares <= 0 {
		cpuShares = e.cfg.CPUShares
	}
	pids := req.PidsLimit
	if pids <= 0 {
		pids = e.cfg.PidsLimit
	}

	hostCfg := &container.HostConfig{
		AutoRemove:     false,
		NetworkMode:    "none",
		ReadonlyRootfs: req.ReadOnlyFS,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memory * 1024 * 1024,
			MemorySwap: memory * 1024 * 1024,
			CPUShares:  cpuShares,
			PidsLimit:  &pids,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m",
		},
		LogConfig: container.LogConfig{Type: "none"},
	}

	if req.Workspace != "" {
		target := req.WorkingDir
		if target == "" {
			target = e.cfg.WorkingDir
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   req.Workspace,
			Target:   target,
			ReadOnly: req.WorkspaceReadOnly,
		})
	}

	return hostCfg
}

func (e *DockerExecutor) kill(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.client.ContainerKill(killCtx, containerID, "KILL"); err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill container")
	}
}

// cappedBuffer keeps at most limit bytes and records whether anything was dropped. Writes
// past the limit are still accepted so the container never blocks on a full pipe.
type cappedBuffer struct {
	buf        bytes.Buffer
	limit      int64
	truncated  bool
	onTruncate func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			b.truncate()
		}
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncate()
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) truncate() {
	b.truncated = true
	if b.onTruncate != nil {
		b.onTruncate()
	}
}

// outputCapture demultiplexes an attached container stream into capped stdout and stderr
// buffers. overflow is closed the first time either stream passes the cap.
type outputCapture struct {
	stdout   *cappedBuffer
	stderr   *cappedBuffer
	overflow chan struct{}
	once     sync.Once
}

func newOutputCapture(limit int64) *outputCapture {
	c := &outputCapture{overflow: make(chan struct{})}
	signal := func() { c.once.Do(func() { close(c.overflow) }) }
	c.stdout = &cappedBuffer{limit: limit, onTruncate: signal}
	c.stderr = &cappedBuffer{limit: limit, onTruncate: signal}
	return c
}

func (c *outputCapture) drain(reader io.Reader) error {
	_, err := stdcopy.StdCopy(c.stdout, c.stderr, reader)
	return err
}

func (c *outputCapture) truncated() bool {
	return c.stdout.truncated || c.stderr.truncated
}

// Close shuts down the executor's underlying client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
