package sink

import (
	"fmt"
	"io"
	"os"

	"github.com/alibaba/tcpretrans/pkg/tracer"
)

// Stdout renders events as a fixed-width timeline. The column header is
// printed once at construction; stack frames pass through unmodified under
// their event.
type Stdout struct {
	w io.Writer
}

func NewStdout() *Stdout {
	return newStdout(os.Stdout)
}

func newStdout(w io.Writer) *Stdout {
	fmt.Fprintf(w, "%-12s %-6s %-21s %2s %-21s %s\n",
		"TIME", "PID", "LADDR:LPORT", "--", "RADDR:RPORT", "STATE")
	return &Stdout{w: w}
}

func (s *Stdout) Write(ev *tracer.Event) error {
	_, err := fmt.Fprintf(s.w, "%-12s %-6d %-21s %s> %-21s %s\n",
		ev.Time.Format("15:04:05.000"), ev.PID, ev.Local, ev.Tag, ev.Remote, ev.State)
	if err != nil {
		return fmt.Errorf("failed write event, err: %w", err)
	}
	for _, frame := range ev.Stack {
		if _, err := fmt.Fprintln(s.w, frame); err != nil {
			return fmt.Errorf("failed write stack frame, err: %w", err)
		}
	}
	return nil
}

var _ Sink = &Stdout{}
