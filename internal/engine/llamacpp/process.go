package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"llama-gateway/internal/logger"
)

const (
	loopbackHost       = "127.0.0.1"
	healthPollInterval = 250 * time.Millisecond
)

// ProcessConfig describes how to launch llama-server for one GGUF model.
type ProcessConfig struct {
	Binary         string
	ModelPath      string
	CtxSize        int
	GPULayers      int
	Threads        int
	Slots          int
	Verbose        bool
	ExtraArgs      []string
	StartupTimeout time.Duration
}

// Process supervises a llama-server child bound to a loopback port.
type Process struct {
	cmd    *exec.Cmd
	client *Client
	log    *logger.Logger

	exited  chan struct{}
	exitErr error
}

// Start launches llama-server and blocks until it reports healthy, exits, or
// the startup timeout elapses.
func Start(ctx context.Context, cfg ProcessConfig, log *logger.Logger) (*Process, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	binary, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", cfg.Binary, err)
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate engine port: %w", err)
	}

	client, err := NewClient("http://"+net.JoinHostPort(loopbackHost, strconv.Itoa(port)), nil)
	if err != nil {
		return nil, err
	}

	log = log.Named("llama-server")
	cmd := exec.Command(binary, buildArgs(cfg, loopbackHost, port)...)
	cmd.Stdout = log.Writer("stdout")
	cmd.Stderr = log.Writer("stderr")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	log.Info("engine process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("model", cfg.ModelPath),
		zap.Int("port", port),
	)

	p := &Process{
		cmd:    cmd,
		client: client,
		log:    log,
		exited: make(chan struct{}),
	}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	if err := p.waitHealthy(ctx, cfg.StartupTimeout); err != nil {
		_ = p.Stop(context.Background())
		return nil, err
	}
	log.Info("engine ready", zap.String("url", client.BaseURL()))
	return p, nil
}

// Client returns the HTTP client bound to the child.
func (p *Process) Client() *Client {
	return p.client
}

// Done is closed when the child exits.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Err reports how the child exited. It is valid after Done is closed.
func (p *Process) Err() error {
	return p.exitErr
}

// Stop sends SIGTERM and waits for the child to exit, killing it when ctx
// ends first.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("signal engine process", zap.Error(err))
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		p.log.Warn("engine process did not stop in time, killing")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill engine process: %w", err)
		}
		<-p.exited
		return ctx.Err()
	}
}

func (p *Process) waitHealthy(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = p.client.Health(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-p.exited:
			return fmt.Errorf("engine process exited during startup: %v", p.exitErr)
		case <-ctx.Done():
			return fmt.Errorf("engine not healthy before startup timeout: %w", lastErr)
		case <-ticker.C:
		}
	}
}

func buildArgs(cfg ProcessConfig, host string, port int) []string {
	gpuLayers := cfg.GPULayers
	if gpuLayers < 0 {
		// -1 offloads every layer.
		gpuLayers = 999
	}
	args := []string{
		"--model", cfg.ModelPath,
		"--ctx-size", strconv.Itoa(cfg.CtxSize),
		"--n-gpu-layers", strconv.Itoa(gpuLayers),
		"--host", host,
		"--port", strconv.Itoa(port),
	}
	if cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(cfg.Threads))
	}
	if cfg.Slots > 0 {
		args = append(args, "--parallel", strconv.Itoa(cfg.Slots))
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, cfg.ExtraArgs...)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
