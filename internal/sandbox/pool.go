package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"intentsbx/internal/telemetry"
)

// PoolConfig sizes a pre-warmed container pool.
type PoolConfig struct {
	Size            int
	ContainerConfig ContainerConfig
}

// pooledContainer is an idle, already-created container waiting to be
// leased. It runs "sleep infinity" so docker exec can be used against it
// instead of paying container-create latency per call.
type pooledContainer struct {
	name string
}

// Pool maintains a bounded set of pre-launched idle containers so the hot
// path pays docker exec latency instead of docker run latency. Any
// non-completed outcome destroys its container rather than returning it
// to the pool — a sandbox that hit a resource limit or was killed mid-run
// is not trusted to be clean.
type Pool struct {
	cfg     PoolConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics

	idle chan *pooledContainer

	mu     sync.Mutex
	closed bool
}

// NewPool creates and fills a pool of cfg.Size idle containers. Filling
// happens synchronously so callers never lease an unready pool. metrics is
// optional.
func NewPool(ctx context.Context, cfg PoolConfig, metrics *telemetry.Metrics, logger *slog.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		idle:    make(chan *pooledContainer, cfg.Size),
	}
	for i := 0; i < cfg.Size; i++ {
		pc, err := p.spawnIdle(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("filling sandbox pool: %w", err)
		}
		p.idle <- pc
	}
	return p, nil
}

func (p *Pool) spawnIdle(ctx context.Context) (*pooledContainer, error) {
	name, err := generatePooledContainerName()
	if err != nil {
		return nil, err
	}
	args := []string{
		"run", "-d",
		"--name", name,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=" + fmt.Sprintf("%dm", p.cfg.ContainerConfig.MemoryMB),
		"--pids-limit=" + fmt.Sprintf("%d", p.cfg.ContainerConfig.PIDsLimit),
		"--network=none",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,noexec,nosuid,size=64m",
		p.cfg.ContainerConfig.Image,
		"sleep", "infinity",
	}
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("docker run idle container: %w: %s", err, out)
	}
	if p.metrics != nil {
		p.metrics.ActiveContainersGauge.Inc()
	}
	return &pooledContainer{name: name}, nil
}

// Lease blocks until an idle container is available or ctx is done.
func (p *Pool) Lease(ctx context.Context) (*pooledContainer, error) {
	select {
	case pc := <-p.idle:
		return pc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return releases pc back to the pool when outcome is completed, or
// destroys it and spawns a fresh replacement otherwise.
func (p *Pool) Return(ctx context.Context, pc *pooledContainer, outcome Status) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	p.mu.Unlock()

	if outcome == StatusCompleted {
		p.idle <- pc
		return
	}

	p.logger.Info("destroying pooled container after non-completed outcome",
		slog.String("container", pc.name), slog.String("outcome", string(outcome)))
	p.destroy(pc)

	fresh, err := p.spawnIdle(ctx)
	if err != nil {
		p.logger.Error("failed to refill sandbox pool", slog.String("error", err.Error()))
		return
	}
	p.idle <- fresh
}

func (p *Pool) destroy(pc *pooledContainer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "rm", "-f", pc.name).Run(); err != nil {
		p.logger.Warn("failed to remove pooled container", slog.String("container", pc.name), slog.String("error", err.Error()))
	}
	if p.metrics != nil {
		p.metrics.ActiveContainersGauge.Dec()
	}
}

// Close drains the pool and destroys every idle container.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case pc := <-p.idle:
			p.destroy(pc)
		default:
			return
		}
	}
}

func generatePooledContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "intentsbx-pool-" + hex.EncodeToString(b), nil
}
