// Package metrics provides lightweight in-process counters without
// pulling in a metrics client dependency. Counters feed the /status
// command and log lines only.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates named monotonic counters.
type Collector struct {
	counters  sync.Map // name -> *atomic.Int64
	startTime time.Time
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Inc increments the named counter by 1, creating it on first use.
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add increments the named counter by n.
func (c *Collector) Add(name string, n int64) {
	v, _ := c.counters.LoadOrStore(name, &atomic.Int64{})
	v.(*atomic.Int64).Add(n)
}

// Value returns the current value of the named counter.
func (c *Collector) Value(name string) int64 {
	if v, ok := c.counters.Load(name); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Metric is one counter sample.
type Metric struct {
	Name  string
	Value int64
}

// Snapshot returns all counters sorted by name.
func (c *Collector) Snapshot() []Metric {
	var out []Metric
	c.counters.Range(func(k, v any) bool {
		out = append(out, Metric{Name: k.(string), Value: v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
