package tracer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alibaba/tcpretrans/pkg/tracer/socktable"
)

const (
	// EventRetransmit marks events from the retransmission probe.
	EventRetransmit = "retransmit"
	// EventTailLossProbe marks events from the tail loss probe.
	EventTailLossProbe = "tail_loss_probe"

	// placeholder for fields of sockets that closed before correlation
	placeholder = "-"

	// stackFramePrefix starts ftrace stack continuation lines.
	stackFramePrefix = " => "
)

var skPattern = regexp.MustCompile(`\bsk=(?:0x)?([0-9a-fA-F]+)`)

// Event is one decoded probe firing. Local/Remote/State carry "-"
// placeholders when the socket vanished before the snapshot was taken.
type Event struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	Tag      string    `json:"tag"`
	Task     string    `json:"task"`
	PID      uint32    `json:"pid"`
	Probe    string    `json:"probe"`
	SocketID string    `json:"socket_id"`
	Local    string    `json:"local"`
	Remote   string    `json:"remote"`
	State    string    `json:"state"`
	Stack    []string  `json:"stack,omitempty"`
}

func isStackFrame(line string) bool {
	return strings.HasPrefix(line, stackFramePrefix)
}

// parseTaskPid splits ftrace's leading "taskname-pid" column. Task names may
// themselves contain dashes, so the split is on the last one.
func parseTaskPid(line string) (string, uint32) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", 0
	}
	tp := fields[0]
	i := strings.LastIndex(tp, "-")
	if i < 0 {
		return tp, 0
	}
	pid, err := strconv.ParseUint(tp[i+1:], 10, 32)
	if err != nil {
		return tp, 0
	}
	return tp[:i], uint32(pid)
}

// decodeLine joins one raw trace line with the current socket snapshot.
// Lines without a recoverable socket address are dropped; they are either
// malformed or unrelated trace noise.
func (t *Tracer) decodeLine(line string) (*Event, bool) {
	m := skPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}

	task, pid := parseTaskPid(line)
	ev := &Event{
		Time:     time.Now(),
		Task:     task,
		PID:      pid,
		SocketID: strings.ToLower(m[1]),
	}

	if t.cfg.TraceTLP && strings.Contains(line, tlpProbeName) {
		ev.Type = EventTailLossProbe
		ev.Tag = "L"
		ev.Probe = tlpProbeName
	} else {
		ev.Type = EventRetransmit
		ev.Tag = "R"
		ev.Probe = retransProbeName
	}

	if entry, ok := t.cache.Lookup(ev.SocketID); ok {
		ev.Local = entry.Local()
		ev.Remote = entry.Remote()
		ev.State = socktable.StateName(entry.St)
	} else {
		// socket already torn down, expected at this poll granularity
		ev.Local = placeholder + ":" + placeholder
		ev.Remote = placeholder + ":" + placeholder
		ev.State = placeholder
		t.stats.miss()
	}
	return ev, true
}

// processLines correlates a drained batch in arrival order. Stack frames are
// attached verbatim to the event that produced them and flushed with it.
func (t *Tracer) processLines(lines []string) {
	var pending *Event
	flush := func() {
		if pending == nil {
			return
		}
		t.stats.record(pending)
		t.emit(pending)
		pending = nil
	}

	for _, line := range lines {
		if isStackFrame(line) {
			if t.stacksOn && pending != nil {
				pending.Stack = append(pending.Stack, line)
			}
			continue
		}
		ev, ok := t.decodeLine(line)
		if !ok {
			continue
		}
		flush()
		pending = ev
	}
	flush()
}
