package kprobe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultRoot is the tracefs mount used for kprobe control files.
	DefaultRoot = "/sys/kernel/debug/tracing"

	// DefaultCapture fetches the first function argument on x86-64, where
	// struct sock * arrives in %di. Porting to another architecture or
	// kernel ABI only needs a different capture expression.
	DefaultCapture = "sk=%di"
)

// Probe is one dynamic instrumentation point on a kernel function.
type Probe struct {
	Name    string
	Symbol  string
	Capture string
}

func (p *Probe) definition() string {
	return fmt.Sprintf("p:%s %s %s", p.Name, p.Symbol, p.Capture)
}

// Manager drives the kprobe control files under a tracefs root. The
// tracing facility is shared system-wide; Install is strictly additive and
// never clobbers probes owned by other tools.
type Manager struct {
	root string
}

func NewManager(root string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{root: root}
}

func (m *Manager) path(elem ...string) string {
	return filepath.Join(append([]string{m.root}, elem...)...)
}

// Available reports whether the kprobe control surface is reachable, e.g.
// whether debugfs/tracefs is mounted and readable.
func (m *Manager) Available() error {
	if _, err := os.Stat(m.path("kprobe_events")); err != nil {
		return fmt.Errorf("kprobe control file not accessible (is debugfs mounted?): %w", err)
	}
	return nil
}

func (m *Manager) appendKprobeEvents(record string) error {
	f, err := os.OpenFile(m.path("kprobe_events"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(record + "\n")
	return err
}

func (m *Manager) writeControl(value string, elem ...string) error {
	return os.WriteFile(m.path(elem...), []byte(value), 0644)
}

// Install writes the probe definition record. The kernel rejects malformed
// expressions and unknown symbols here.
func (m *Manager) Install(p *Probe) error {
	if err := m.appendKprobeEvents(p.definition()); err != nil {
		return fmt.Errorf("failed create kprobe %q, err: %w", p.definition(), err)
	}
	return nil
}

// Remove deletes the probe definition. The probe must be disabled first.
func (m *Manager) Remove(p *Probe) error {
	if err := m.appendKprobeEvents("-:" + p.Name); err != nil {
		return fmt.Errorf("failed remove kprobe %s, err: %w", p.Name, err)
	}
	return nil
}

func (m *Manager) Enable(p *Probe) error {
	if err := m.writeControl("1", "events", "kprobes", p.Name, "enable"); err != nil {
		return fmt.Errorf("failed enable kprobe %s, err: %w", p.Name, err)
	}
	return nil
}

func (m *Manager) Disable(p *Probe) error {
	if err := m.writeControl("0", "events", "kprobes", p.Name, "enable"); err != nil {
		return fmt.Errorf("failed disable kprobe %s, err: %w", p.Name, err)
	}
	return nil
}

// SetStackTrace toggles kernel stack capture for every firing probe.
func (m *Manager) SetStackTrace(enable bool) error {
	value := "0"
	if enable {
		value = "1"
	}
	if err := m.writeControl(value, "options", "stacktrace"); err != nil {
		return fmt.Errorf("failed set stacktrace option to %s, err: %w", value, err)
	}
	return nil
}

// ResetTracer selects the nop tracer so the trace buffer only carries probe
// events.
func (m *Manager) ResetTracer() error {
	if err := m.writeControl("nop", "current_tracer"); err != nil {
		return fmt.Errorf("failed reset current_tracer, err: %w", err)
	}
	return nil
}

// DrainEvents reads all buffered event lines from the trace file and then
// clears the buffer. The lines are collected before the clear so a
// fast-filling buffer cannot lose data mid-parse. Header comments and blank
// lines are dropped.
func (m *Manager) DrainEvents() ([]string, error) {
	f, err := os.Open(m.path("trace"))
	if err != nil {
		return nil, fmt.Errorf("failed open trace buffer, err: %w", err)
	}

	var lines []string
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	serr := s.Err()
	f.Close()
	if serr != nil {
		return nil, fmt.Errorf("failed read trace buffer, err: %w", serr)
	}

	if err := m.writeControl("0", "trace"); err != nil {
		return nil, fmt.Errorf("failed clear trace buffer, err: %w", err)
	}
	return lines, nil
}

// FlushEvents empties the trace file for good, used once at final shutdown.
func (m *Manager) FlushEvents() error {
	if err := m.writeControl("", "trace"); err != nil {
		return fmt.Errorf("failed flush trace buffer, err: %w", err)
	}
	return nil
}
