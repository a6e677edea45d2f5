package tracer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alibaba/tcpretrans/pkg/tracer/kprobe"
	"github.com/alibaba/tcpretrans/pkg/tracer/lock"
	"github.com/alibaba/tcpretrans/pkg/tracer/socktable"
)

const (
	retransProbeName = "tcpretrans_tcp_retransmit_skb"
	retransSymbol    = "tcp_retransmit_skb"

	tlpProbeName = "tcpretrans_tcp_send_loss_probe"
	tlpSymbol    = "tcp_send_loss_probe"

	// DefaultInterval bounds the steady-state poll cost; events inside one
	// interval keep their buffer order.
	DefaultInterval = 100 * time.Millisecond
)

// Config carries every tunable of the tracer. Zero values fall back to the
// live-system defaults, so tests can point each path at a temp dir.
type Config struct {
	TracingRoot     string        `mapstructure:"tracingRoot" yaml:"tracingRoot"`
	SocketTablePath string        `mapstructure:"socketTable" yaml:"socketTable"`
	LockPath        string        `mapstructure:"lockFile" yaml:"lockFile"`
	CaptureExpr     string        `mapstructure:"captureExpr" yaml:"captureExpr"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	TraceTLP        bool          `mapstructure:"traceTLP" yaml:"traceTLP"`
	TraceStacks     bool          `mapstructure:"traceStacks" yaml:"traceStacks"`
}

func (c *Config) applyDefaults() {
	if c.CaptureExpr == "" {
		c.CaptureExpr = kprobe.DefaultCapture
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
}

// EventSink receives decoded events in arrival order.
type EventSink interface {
	Write(ev *Event) error
}

// Tracer owns the full capture pipeline: exclusivity lock, kprobe lifecycle,
// drain loop, socket snapshot and correlation. It is single-threaded; the
// only suspension point is the poll ticker.
type Tracer struct {
	cfg   Config
	mgr   *kprobe.Manager
	lock  *lock.Lock
	cache *socktable.Cache
	sinks []EventSink
	stats *Stats

	probes   []*kprobe.Probe // installed, teardown runs in reverse
	stacksOn bool
	closed   bool
}

func New(cfg Config, sinks ...EventSink) (*Tracer, error) {
	cfg.applyDefaults()
	stats, err := newStats()
	if err != nil {
		return nil, err
	}
	return &Tracer{
		cfg:   cfg,
		mgr:   kprobe.NewManager(cfg.TracingRoot),
		lock:  lock.New(cfg.LockPath),
		cache: socktable.NewCache(cfg.SocketTablePath),
		sinks: sinks,
		stats: stats,
	}, nil
}

// Stats exposes the per-connection counters, e.g. for metrics registration.
func (t *Tracer) Stats() *Stats {
	return t.stats
}

// Start acquires the exclusivity lock and configures the shared tracing
// facility. Any failure after the lock is held rolls back every probe
// installed so far, in reverse order, and releases the lock; the backend is
// never left holding orphaned definitions.
func (t *Tracer) Start() error {
	if err := t.lock.Acquire(); err != nil {
		return err
	}

	if err := t.setup(); err != nil {
		t.rollbackProbes()
		if rerr := t.lock.Release(); rerr != nil {
			log.Errorf("failed release lock during rollback: %v", rerr)
		}
		return err
	}
	return nil
}

func (t *Tracer) setup() error {
	if err := t.mgr.Available(); err != nil {
		return errors.Wrap(err, "tracing facility unavailable")
	}
	if err := t.mgr.ResetTracer(); err != nil {
		return errors.Wrap(err, "reset tracer")
	}

	if err := t.installProbe(retransProbeName, retransSymbol); err != nil {
		return err
	}
	if t.cfg.TraceTLP {
		if err := t.installProbe(tlpProbeName, tlpSymbol); err != nil {
			return err
		}
	}

	if t.cfg.TraceStacks {
		// best effort, tracing proceeds without stacks on failure
		if err := t.mgr.SetStackTrace(true); err != nil {
			log.Warnf("cannot enable kernel stack capture, continuing without: %v", err)
		} else {
			t.stacksOn = true
		}
	}
	return nil
}

func (t *Tracer) installProbe(name, symbol string) error {
	p := &kprobe.Probe{Name: name, Symbol: symbol, Capture: t.cfg.CaptureExpr}
	if err := t.mgr.Install(p); err != nil {
		return errors.Wrapf(err, "install probe %s", name)
	}
	t.probes = append(t.probes, p)
	if err := t.mgr.Enable(p); err != nil {
		return errors.Wrapf(err, "enable probe %s", name)
	}
	return nil
}

func (t *Tracer) rollbackProbes() {
	for i := len(t.probes) - 1; i >= 0; i-- {
		p := t.probes[i]
		if err := t.mgr.Disable(p); err != nil {
			log.Debugf("failed disable probe %s during rollback: %v", p.Name, err)
		}
		if err := t.mgr.Remove(p); err != nil {
			log.Errorf("failed remove probe %s during rollback: %v", p.Name, err)
		}
	}
	t.probes = nil
}

// Run drains the trace buffer on the poll interval until the context is
// cancelled. Backend I/O failures are fatal; the caller's deferred Close
// still tears everything down.
func (t *Tracer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.drainOnce(); err != nil {
				return err
			}
		}
	}
}

// drainOnce pulls one batch from the trace buffer. The socket snapshot is
// refreshed only when the batch is non-empty, keeping idle cost proportional
// to the retransmission rate rather than the poll rate.
func (t *Tracer) drainOnce() error {
	lines, err := t.mgr.DrainEvents()
	if err != nil {
		return errors.Wrap(err, "drain trace buffer")
	}
	t.stats.drainCycle()

	if len(lines) == 0 {
		return nil
	}

	if err := t.cache.Refresh(); err != nil {
		// stale snapshot only widens the "-" fallback window
		log.Warnf("failed refresh socket table, correlating against stale snapshot: %v", err)
	}
	t.processLines(lines)
	return nil
}

func (t *Tracer) emit(ev *Event) {
	for _, s := range t.sinks {
		if err := s.Write(ev); err != nil {
			log.Warnf("failed write event to sink: %v", err)
		}
	}
}

// Close tears the shared facility down unconditionally: stack capture off,
// probes disabled and removed in reverse order, trace buffer flushed, lock
// released. Individual failures are reported and cleanup continues. Close is
// idempotent and safe to defer on every path.
func (t *Tracer) Close() {
	if t.closed {
		return
	}
	t.closed = true

	if t.stacksOn {
		if err := t.mgr.SetStackTrace(false); err != nil {
			log.Warnf("failed disable stack capture: %v", err)
		}
		t.stacksOn = false
	}

	for i := len(t.probes) - 1; i >= 0; i-- {
		p := t.probes[i]
		if err := t.mgr.Disable(p); err != nil {
			log.Errorf("failed disable probe %s: %v", p.Name, err)
		}
		if err := t.mgr.Remove(p); err != nil {
			log.Errorf("failed remove probe %s: %v", p.Name, err)
		}
	}
	t.probes = nil

	if err := t.mgr.FlushEvents(); err != nil {
		log.Errorf("failed flush trace buffer: %v", err)
	}
	if err := t.lock.Release(); err != nil {
		log.Errorf("failed release lock: %v", err)
	}

	t.stats.logSummary()
}
