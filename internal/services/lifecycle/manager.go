package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownFunc describes a graceful shutdown callback.
type ShutdownFunc func(ctx context.Context) error

// Stage groups shutdown hooks. Stages stop in ascending order: nothing new
// is accepted once ingress is down, in-flight work is cancelled before the
// stores it writes to close, and telemetry flushes last.
type Stage int

const (
	// StageIngress covers the HTTP server and event consumers.
	StageIngress Stage = iota
	// StageWorkers covers scheduled jobs and other background loops.
	StageWorkers
	// StageClients covers outbound clients such as publishers and monitors.
	StageClients
	// StageStorage covers database pools, Redis and the local spool.
	StageStorage
	// StageTelemetry covers metric providers.
	StageTelemetry
)

func (s Stage) String() string {
	switch s {
	case StageIngress:
		return "ingress"
	case StageWorkers:
		return "workers"
	case StageClients:
		return "clients"
	case StageStorage:
		return "storage"
	case StageTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

type hook struct {
	stage Stage
	seq   int
	name  string
	fn    ShutdownFunc
}

// Manager runs shutdown hooks stage by stage and reacts to OS signals.
type Manager struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	hooks []hook
	done  bool
}

// New creates a lifecycle manager bounding the whole shutdown by timeout.
func New(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a hook to a stage. Within a stage hooks run in reverse
// registration order.
func (m *Manager) Register(stage Stage, name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{stage: stage, seq: len(m.hooks), name: name, fn: fn})
}

// Shutdown runs every hook once. A failing hook does not stop later ones;
// all failures are joined into the returned error. Later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil
	}
	m.done = true

	ordered := append([]hook(nil), m.hooks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].stage != ordered[j].stage {
			return ordered[i].stage < ordered[j].stage
		}
		return ordered[i].seq > ordered[j].seq
	})

	var result error
	for _, h := range ordered {
		started := time.Now()
		fields := []zap.Field{
			zap.String("component", h.name),
			zap.Stringer("stage", h.stage),
		}
		if err := h.fn(ctx); err != nil {
			m.logger.Error("shutdown hook failed", append(fields, zap.Error(err))...)
			result = errors.Join(result, err)
			continue
		}
		m.logger.Info("component stopped", append(fields, zap.Duration("took", time.Since(started)))...)
	}
	return result
}

// Listen invokes cancel on the first SIGTERM or SIGINT.
func (m *Manager) Listen(cancel context.CancelFunc) {
	if cancel == nil {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigCh)
		sig := <-sigCh
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()
}
