package sink

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alibaba/tcpretrans/pkg/tracer"
)

func NewFile(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed open file %s, err: %w", path, err)
	}
	return &File{file: file}, nil
}

// File appends events as JSON lines.
type File struct {
	file *os.File
}

func (f *File) Write(ev *tracer.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed marshal event, err: %w", err)
	}
	_, err = f.file.Write(append(data, 0x0a))
	if err != nil {
		return fmt.Errorf("failed sink event to file %s, err: %w", f.file.Name(), err)
	}
	return nil
}

func (f *File) Close() error {
	return f.file.Close()
}

var _ Sink = &File{}
