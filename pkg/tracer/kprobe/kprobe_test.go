package kprobe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "kprobe_events"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "trace"), nil, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "options"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "options", "stacktrace"), []byte("0"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "current_tracer"), []byte("nop"), 0644))
	return NewManager(root)
}

func readControl(t *testing.T, m *Manager, elem ...string) string {
	t.Helper()
	data, err := os.ReadFile(m.path(elem...))
	require.NoError(t, err)
	return string(data)
}

func TestInstallAndRemoveAreAppendOnly(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.path("kprobe_events"), []byte("p:other_tool_probe some_symbol arg=%si\n"), 0644))

	p := &Probe{Name: "tcpretrans_tcp_retransmit_skb", Symbol: "tcp_retransmit_skb", Capture: DefaultCapture}
	require.NoError(t, m.Install(p))
	require.NoError(t, m.Remove(p))

	content := readControl(t, m, "kprobe_events")
	assert.Equal(t,
		"p:other_tool_probe some_symbol arg=%si\n"+
			"p:tcpretrans_tcp_retransmit_skb tcp_retransmit_skb sk=%di\n"+
			"-:tcpretrans_tcp_retransmit_skb\n",
		content)
}

func TestInstallFailsWithoutControlFile(t *testing.T) {
	m := NewManager(t.TempDir())
	p := &Probe{Name: "tcpretrans_tcp_retransmit_skb", Symbol: "tcp_retransmit_skb", Capture: DefaultCapture}
	assert.Error(t, m.Available())
	assert.Error(t, m.Install(p))
}

func TestEnableDisable(t *testing.T) {
	m := newTestManager(t)
	p := &Probe{Name: "tcpretrans_tcp_retransmit_skb", Symbol: "tcp_retransmit_skb", Capture: DefaultCapture}
	require.NoError(t, os.MkdirAll(m.path("events", "kprobes", p.Name), 0755))

	require.NoError(t, m.Enable(p))
	assert.Equal(t, "1", readControl(t, m, "events", "kprobes", p.Name, "enable"))

	require.NoError(t, m.Disable(p))
	assert.Equal(t, "0", readControl(t, m, "events", "kprobes", p.Name, "enable"))
}

func TestEnableFailsWithoutEventDir(t *testing.T) {
	m := newTestManager(t)
	p := &Probe{Name: "tcpretrans_tcp_send_loss_probe", Symbol: "tcp_send_loss_probe", Capture: DefaultCapture}
	assert.Error(t, m.Enable(p))
}

func TestSetStackTrace(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetStackTrace(true))
	assert.Equal(t, "1", readControl(t, m, "options", "stacktrace"))
	require.NoError(t, m.SetStackTrace(false))
	assert.Equal(t, "0", readControl(t, m, "options", "stacktrace"))
}

func TestResetTracer(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.path("current_tracer"), []byte("function"), 0644))
	require.NoError(t, m.ResetTracer())
	assert.Equal(t, "nop", readControl(t, m, "current_tracer"))
}

func TestDrainEvents(t *testing.T) {
	m := newTestManager(t)
	trace := "# tracer: nop\n" +
		"#           TASK-PID    CPU#    TIMESTAMP  FUNCTION\n" +
		"#              | |       |          |         |\n" +
		"        curl-1234  [001] d.s. 1862.000001: tcpretrans_tcp_retransmit_skb: (tcp_retransmit_skb+0x0/0x780) sk=ffff880012345678\n" +
		"\n" +
		"        curl-1234  [001] d.s. 1862.100001: tcpretrans_tcp_retransmit_skb: (tcp_retransmit_skb+0x0/0x780) sk=ffff880012345678\n"
	require.NoError(t, os.WriteFile(m.path("trace"), []byte(trace), 0644))

	lines, err := m.DrainEvents()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "sk=ffff880012345678")

	// buffer was cleared
	assert.Equal(t, "0", readControl(t, m, "trace"))
}

func TestDrainEventsFailsWhenBufferGone(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.Remove(m.path("trace")))
	_, err := m.DrainEvents()
	assert.Error(t, err)
}

func TestFlushEvents(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.path("trace"), []byte("leftovers\n"), 0644))
	require.NoError(t, m.FlushEvents())
	assert.Equal(t, "", readControl(t, m, "trace"))
}
