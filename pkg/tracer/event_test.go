package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskPid(t *testing.T) {
	testcases := []struct {
		line string
		task string
		pid  uint32
	}{
		{"        curl-1234  [001] d.s. 1862.0: x: sk=ff", "curl", 1234},
		{"kworker/u16:1-77  [000] d.s. 1.0: x: sk=ff", "kworker/u16:1", 77},
		{"      <idle>-0     [003] d.s. 1.0: x: sk=ff", "<idle>", 0},
		{"systemd-journal-script-991 [001] d.s. 1.0: x: sk=ff", "systemd-journal-script", 991},
		{"", "", 0},
	}
	for _, c := range testcases {
		task, pid := parseTaskPid(c.line)
		assert.Equal(t, c.task, task, c.line)
		assert.Equal(t, c.pid, pid, c.line)
	}
}

func TestLinesWithoutSocketIDAreDropped(t *testing.T) {
	e := newTestEnv(t)
	tr := e.newTracer(t, nil)
	require.NoError(t, tr.Start())
	defer tr.Close()

	tr.processLines([]string{
		"        curl-1234  [001] d.s. 1862.0: some_other_tool_probe: (foo+0x0/0x10) arg=1",
		"random noise without the field",
	})
	assert.Empty(t, e.sink.events)
}

func TestSocketIDParsing(t *testing.T) {
	m := skPattern.FindStringSubmatch("... sk=0xFFFF880012345678")
	require.NotNil(t, m)
	assert.Equal(t, "FFFF880012345678", m[1])

	m = skPattern.FindStringSubmatch("... sk=ffff880012345678 more")
	require.NotNil(t, m)
	assert.Equal(t, "ffff880012345678", m[1])

	assert.Nil(t, skPattern.FindStringSubmatch("... task=foo"))
}

func TestStackFramesAttachToPrecedingEvent(t *testing.T) {
	e := newTestEnv(t)
	tr := e.newTracer(t, func(cfg *Config) { cfg.TraceStacks = true })
	require.NoError(t, tr.Start())
	require.True(t, tr.stacksOn)
	defer tr.Close()

	require.NoError(t, tr.cache.Refresh())
	tr.processLines([]string{
		retransLine,
		" => tcp_retransmit_timer",
		" => tcp_write_timer_handler",
		retransLine,
	})

	require.Len(t, e.sink.events, 2)
	assert.Equal(t, []string{" => tcp_retransmit_timer", " => tcp_write_timer_handler"},
		e.sink.events[0].Stack)
	assert.Empty(t, e.sink.events[1].Stack)
}

func TestStackFramesIgnoredWhenCaptureOff(t *testing.T) {
	e := newTestEnv(t)
	tr := e.newTracer(t, nil)
	require.NoError(t, tr.Start())
	defer tr.Close()

	require.NoError(t, tr.cache.Refresh())
	tr.processLines([]string{
		retransLine,
		" => tcp_retransmit_timer",
	})

	require.Len(t, e.sink.events, 1)
	assert.Empty(t, e.sink.events[0].Stack)
}

func TestOrphanStackFramesAreDropped(t *testing.T) {
	e := newTestEnv(t)
	tr := e.newTracer(t, func(cfg *Config) { cfg.TraceStacks = true })
	require.NoError(t, tr.Start())
	defer tr.Close()

	tr.processLines([]string{" => tcp_retransmit_timer"})
	assert.Empty(t, e.sink.events)
}

func TestDecodeLineScenarioA(t *testing.T) {
	e := newTestEnv(t)
	tr := e.newTracer(t, nil)
	require.NoError(t, tr.Start())
	defer tr.Close()
	require.NoError(t, tr.cache.Refresh())

	ev, ok := tr.decodeLine(retransLine)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:8080", ev.Local)
	assert.Equal(t, "R", ev.Tag)
	assert.Equal(t, "ESTABLISHED", ev.State)
	assert.Equal(t, testSocketID, ev.SocketID)
	assert.False(t, ev.Time.IsZero())
}
