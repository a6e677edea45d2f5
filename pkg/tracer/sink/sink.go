package sink

import (
	"github.com/alibaba/tcpretrans/pkg/tracer"
)

// Sink mirrors tracer.EventSink; concrete sinks live here so the tracer
// package stays output-agnostic.
type Sink = tracer.EventSink

// CreateSinks builds the sink fan-out: the stdout presenter always, plus a
// JSON-lines file sink when a path is given.
func CreateSinks(outputFile string) ([]Sink, error) {
	sinks := []Sink{NewStdout()}
	if outputFile != "" {
		f, err := NewFile(outputFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, f)
	}
	return sinks, nil
}
