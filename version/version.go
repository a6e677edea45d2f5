package version

import "fmt"

var (
	Version string
	Commit  string
)

func PrintVersion() {
	fmt.Printf("tcpretrans version: %s, Git sha: %s\n", Version, Commit)
}
