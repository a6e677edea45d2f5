package socktable

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultPath is the kernel's IPv4 TCP socket table.
	DefaultPath = "/proc/net/tcp"

	readLimit = 4294967296 // Byte -> 4 GiB
)

// tcpStates maps the kernel's numeric TCP states to their canonical names.
// Index 0 is the undefined state.
/*TCP_ESTABLISHED:1  TCP_SYN_SENT:2
TCP_SYN_RECV:3       TCP_FIN_WAIT1:4
TCP_FIN_WAIT2:5      TCP_TIME_WAIT:6
TCP_CLOSE:7          TCP_CLOSE_WAIT:8
TCP_LAST_ACK:9       TCP_LISTEN:10
TCP_CLOSING:11*/
var tcpStates = [...]string{
	"-",
	"ESTABLISHED",
	"SYN_SENT",
	"SYN_RECV",
	"FIN_WAIT1",
	"FIN_WAIT2",
	"TIME_WAIT",
	"CLOSE",
	"CLOSE_WAIT",
	"LAST_ACK",
	"LISTEN",
	"CLOSING",
}

// StateName resolves a kernel TCP state code to its name, "-" for codes
// outside the table.
func StateName(st uint64) string {
	if st >= uint64(len(tcpStates)) {
		return tcpStates[0]
	}
	return tcpStates[st]
}

// Entry is one live socket row, keyed in the snapshot by the kernel socket
// object address.
type Entry struct {
	Sl        uint64
	LocalAddr net.IP
	LocalPort uint64
	RemAddr   net.IP
	RemPort   uint64
	St        uint64
	TxQueue   uint64
	RxQueue   uint64
	UID       uint64
	Inode     uint64
}

func (e *Entry) Local() string {
	return fmt.Sprintf("%s:%d", e.LocalAddr, e.LocalPort)
}

func (e *Entry) Remote() string {
	return fmt.Sprintf("%s:%d", e.RemAddr, e.RemPort)
}

// Snapshot maps lowercase hex socket addresses to their table rows.
type Snapshot map[string]*Entry

// Cache holds the most recent socket table snapshot. Refresh replaces the
// snapshot wholesale; rows for closed connections simply vanish.
type Cache struct {
	path        string
	snapshot    Snapshot
	lastRefresh time.Time
}

func NewCache(path string) *Cache {
	if path == "" {
		path = DefaultPath
	}
	return &Cache{
		path:     path,
		snapshot: Snapshot{},
	}
}

// Refresh re-reads the socket table from scratch. On read failure the
// previous snapshot is kept.
func (c *Cache) Refresh() error {
	snapshot, err := readSnapshot(c.path)
	if err != nil {
		return err
	}
	c.snapshot = snapshot
	c.lastRefresh = time.Now()
	return nil
}

// Lookup finds the entry for a socket address. A miss is expected for
// sockets that closed since the last refresh.
func (c *Cache) Lookup(id string) (*Entry, bool) {
	e, ok := c.snapshot[strings.ToLower(id)]
	return e, ok
}

func (c *Cache) Len() int {
	return len(c.snapshot)
}

func (c *Cache) LastRefresh() time.Time {
	return c.lastRefresh
}

func readSnapshot(file string) (Snapshot, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed open socket table %s, err: %w", file, err)
	}
	defer f.Close()

	snapshot := Snapshot{}

	lr := io.LimitReader(f, readLimit)
	s := bufio.NewScanner(lr)
	s.Scan() // skip first line with headers
	for s.Scan() {
		fields := strings.Fields(s.Text())
		id, line, err := parseSocketLine(fields)
		if err != nil {
			log.Debugf("skip socket table row %q, err: %v", s.Text(), err)
			continue
		}
		snapshot[id] = line
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed read socket table %s, err: %w", file, err)
	}
	return snapshot, nil
}

// parseSocketLine parses a single row, represented by a list of fields, and
// returns the socket object address it is keyed by.
func parseSocketLine(fields []string) (string, *Entry, error) {
	line := &Entry{}
	if len(fields) < 11 {
		return "", nil, fmt.Errorf(
			"cannot parse socket line as it has less then 11 columns %q",
			strings.Join(fields, " "),
		)
	}
	var err error // parse error

	// sl
	s := strings.Split(fields[0], ":")
	if len(s) != 2 {
		return "", nil, fmt.Errorf("cannot parse sl field in socket line %q", fields[0])
	}
	if line.Sl, err = strconv.ParseUint(s[0], 0, 64); err != nil {
		return "", nil, fmt.Errorf("cannot parse sl value in socket line: %w", err)
	}

	// local_address
	l := strings.Split(fields[1], ":")
	if len(l) != 2 {
		return "", nil, fmt.Errorf("cannot parse local_address field in socket line %q", fields[1])
	}
	if line.LocalAddr, err = parseIP(l[0]); err != nil {
		return "", nil, err
	}
	if line.LocalPort, err = strconv.ParseUint(l[1], 16, 64); err != nil {
		return "", nil, fmt.Errorf("cannot parse local_address port value in socket line: %w", err)
	}

	// rem_address
	r := strings.Split(fields[2], ":")
	if len(r) != 2 {
		return "", nil, fmt.Errorf("cannot parse rem_address field in socket line %q", fields[2])
	}
	if line.RemAddr, err = parseIP(r[0]); err != nil {
		return "", nil, err
	}
	if line.RemPort, err = strconv.ParseUint(r[1], 16, 64); err != nil {
		return "", nil, fmt.Errorf("cannot parse rem_address port value in socket line: %w", err)
	}

	// st
	if line.St, err = strconv.ParseUint(fields[3], 16, 64); err != nil {
		return "", nil, fmt.Errorf("cannot parse st value in socket line: %w", err)
	}

	// uid
	if line.UID, err = strconv.ParseUint(fields[7], 0, 64); err != nil {
		return "", nil, fmt.Errorf("cannot parse uid value in socket line: %w", err)
	}

	// inode
	if line.Inode, err = strconv.ParseUint(fields[9], 0, 64); err != nil {
		return "", nil, fmt.Errorf("cannot parse inode value in socket line: %w", err)
	}

	id := socketID(fields)
	if id == "" {
		return "", nil, fmt.Errorf("cannot find socket address in socket line %q", strings.Join(fields, " "))
	}
	return id, line, nil
}

// socketID extracts the kernel socket object address. It follows the inode
// column; kernels emit a small decimal refcount column in between.
func socketID(fields []string) string {
	id := fields[10]
	if len(fields) > 11 {
		if _, err := strconv.ParseUint(id, 10, 32); err == nil {
			id = fields[11]
		}
	}
	id = strings.ToLower(strings.TrimPrefix(id, "0x"))
	if _, err := strconv.ParseUint(id, 16, 64); err != nil {
		return ""
	}
	return id
}

// parseIP decodes a hex packed address. The kernel writes each 4-byte word
// in little-endian order.
func parseIP(hexIP string) (net.IP, error) {
	byteIP, err := hex.DecodeString(hexIP)
	if err != nil {
		return nil, fmt.Errorf("cannot parse address field in socket line %q", hexIP)
	}
	switch len(byteIP) {
	case 4:
		return net.IP{byteIP[3], byteIP[2], byteIP[1], byteIP[0]}, nil
	case 16:
		i := net.IP{
			byteIP[3], byteIP[2], byteIP[1], byteIP[0],
			byteIP[7], byteIP[6], byteIP[5], byteIP[4],
			byteIP[11], byteIP[10], byteIP[9], byteIP[8],
			byteIP[15], byteIP[14], byteIP[13], byteIP[12],
		}
		return i, nil
	default:
		return nil, fmt.Errorf("unable to parse IP %s", hexIP)
	}
}
