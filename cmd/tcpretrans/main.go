//go:build linux
// +build linux

package main

import (
	"github.com/alibaba/tcpretrans/pkg/tracer/cmd"
)

func main() {
	cmd.Execute()
}
