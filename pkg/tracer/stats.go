package tracer

import (
	"fmt"
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const statsCacheSize = 8192

// Tuple identifies a connection by its decoded endpoints.
type Tuple struct {
	Local  string
	Remote string
}

// Counter accumulates per-connection event counts.
type Counter struct {
	Total        uint64
	TailLossProb uint64
}

var (
	retransDesc = prometheus.NewDesc(
		"tcpretrans_retransmits_total",
		"TCP retransmissions observed per connection.",
		[]string{"local", "remote"}, nil,
	)
	tlpDesc = prometheus.NewDesc(
		"tcpretrans_tail_loss_probes_total",
		"TCP tail loss probes observed per connection.",
		[]string{"local", "remote"}, nil,
	)
	missDesc = prometheus.NewDesc(
		"tcpretrans_correlation_miss_total",
		"Events whose socket was gone before the snapshot was taken.",
		nil, nil,
	)
	cyclesDesc = prometheus.NewDesc(
		"tcpretrans_drain_cycles_total",
		"Completed trace buffer drain cycles.",
		nil, nil,
	)
)

// Stats keeps per-connection counters in an LRU so a long run against a busy
// host stays bounded. It doubles as a prometheus collector.
type Stats struct {
	cache  *lru.Cache[Tuple, *Counter]
	misses uint64
	cycles uint64
}

func newStats() (*Stats, error) {
	cache, err := lru.New[Tuple, *Counter](statsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("cannot create stats cache, err: %w", err)
	}
	return &Stats{cache: cache}, nil
}

func (s *Stats) record(ev *Event) {
	tuple := Tuple{Local: ev.Local, Remote: ev.Remote}
	c, ok := s.cache.Get(tuple)
	if !ok {
		c = &Counter{}
		s.cache.Add(tuple, c)
	}
	atomic.AddUint64(&c.Total, 1)
	if ev.Type == EventTailLossProbe {
		atomic.AddUint64(&c.TailLossProb, 1)
	}
}

func (s *Stats) miss() {
	atomic.AddUint64(&s.misses, 1)
}

func (s *Stats) drainCycle() {
	atomic.AddUint64(&s.cycles, 1)
}

func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- retransDesc
	ch <- tlpDesc
	ch <- missDesc
	ch <- cyclesDesc
}

func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for _, tuple := range s.cache.Keys() {
		c, ok := s.cache.Get(tuple)
		if !ok || c == nil {
			continue
		}
		total := atomic.LoadUint64(&c.Total)
		tlp := atomic.LoadUint64(&c.TailLossProb)
		ch <- prometheus.MustNewConstMetric(retransDesc, prometheus.CounterValue,
			float64(total-tlp), tuple.Local, tuple.Remote)
		ch <- prometheus.MustNewConstMetric(tlpDesc, prometheus.CounterValue,
			float64(tlp), tuple.Local, tuple.Remote)
	}
	ch <- prometheus.MustNewConstMetric(missDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(&s.misses)))
	ch <- prometheus.MustNewConstMetric(cyclesDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(&s.cycles)))
}

var _ prometheus.Collector = &Stats{}

type summaryEntry struct {
	tuple   Tuple
	counter Counter
}

// logSummary reports the busiest connections once at shutdown.
func (s *Stats) logSummary() {
	entries := lo.FilterMap(s.cache.Keys(), func(tuple Tuple, _ int) (summaryEntry, bool) {
		c, ok := s.cache.Get(tuple)
		if !ok || c == nil {
			return summaryEntry{}, false
		}
		return summaryEntry{tuple: tuple, counter: *c}, true
	})
	if len(entries) == 0 {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].counter.Total > entries[j].counter.Total
	})
	if len(entries) > 10 {
		entries = entries[:10]
	}

	log.Infof("retransmission summary (top %d connections):", len(entries))
	for _, e := range entries {
		log.Infof("  %s -> %s total=%d tlp=%d",
			e.tuple.Local, e.tuple.Remote, e.counter.Total, e.counter.TailLossProb)
	}
}
