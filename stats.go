// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"expvar"
	"sort"
	"strings"
	"sync"
	"time"
)

func init() {
	NopStatsClient = &nopStatsClient{}
}

// Expvar is the global expvar map the expvar stats client writes into.
var Expvar = expvar.NewMap("snapserve")

// Metric names the serving rank reports.
const (
	MetricSnapshotLoads    = "snapshot_loads"
	MetricSnapshotReleases = "snapshot_releases"
	MetricRequestErrors    = "request_errors"
	MetricArraysServed     = "arrays_served"
	MetricBytesOut         = "bytes_out"
	MetricSegmentsLive     = "segments_live"
	MetricIndexQueries     = "index_queries"
	MetricCataloguesServed = "catalogues_served"
	MetricSnapshotLoad     = "snapshot_load"

	// Runtime health, reported by the daemon's monitor.
	MetricGoroutines        = "goroutines"
	MetricHeapAlloc         = "heap_alloc"
	MetricHeapInuse         = "heap_inuse"
	MetricGarbageCollection = "garbage_collection_total"
)

// StatsClient represents a client to a stats server.
type StatsClient interface {
	// Tags returns a sorted list of tags on the client.
	Tags() []string

	// WithTags returns a new client with additional tags appended.
	WithTags(tags ...string) StatsClient

	// Count tracks the number of times something occurs.
	Count(name string, value int64, rate float64)

	// Gauge sets the value of a metric.
	Gauge(name string, value float64, rate float64)

	// Histogram tracks statistical distribution of a metric.
	Histogram(name string, value float64, rate float64)

	// Timing tracks timing information for a metric.
	Timing(name string, value time.Duration, rate float64)

	// Open starts the service.
	Open()

	// Close closes the client.
	Close() error
}

// NopStatsClient represents a client that doesn't do anything.
var NopStatsClient StatsClient

type nopStatsClient struct{}

func (c *nopStatsClient) Tags() []string                                        { return nil }
func (c *nopStatsClient) WithTags(tags ...string) StatsClient                   { return c }
func (c *nopStatsClient) Count(name string, value int64, rate float64)          {}
func (c *nopStatsClient) Gauge(name string, value float64, rate float64)        {}
func (c *nopStatsClient) Histogram(name string, value float64, rate float64)    {}
func (c *nopStatsClient) Timing(name string, value time.Duration, rate float64) {}
func (c *nopStatsClient) Open()                                                 {}
func (c *nopStatsClient) Close() error                                          { return nil }

// ExpvarStatsClient writes stats out to expvars.
type ExpvarStatsClient struct {
	mu   sync.Mutex
	m    *expvar.Map
	tags []string
}

// NewExpvarStatsClient returns a new instance of ExpvarStatsClient.
// This client points at the root of the expvar map.
func NewExpvarStatsClient() *ExpvarStatsClient {
	return &ExpvarStatsClient{
		m: Expvar,
	}
}

// Tags returns a sorted list of tags on the client.
func (c *ExpvarStatsClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended.
func (c *ExpvarStatsClient) WithTags(tags ...string) StatsClient {
	m := &expvar.Map{}
	m.Init()
	c.m.Set(joinSorted(tags), m)

	return &ExpvarStatsClient{
		m:    m,
		tags: unionStrings(c.tags, tags),
	}
}

// Count tracks the number of times something occurs.
func (c *ExpvarStatsClient) Count(name string, value int64, rate float64) {
	c.m.Add(name, value)
}

// Gauge sets the value of a metric.
func (c *ExpvarStatsClient) Gauge(name string, value float64, rate float64) {
	var f expvar.Float
	f.Set(value)
	c.m.Set(name, &f)
}

// Histogram tracks statistical distribution of a metric.
// This works the same as gauge for this client.
func (c *ExpvarStatsClient) Histogram(name string, value float64, rate float64) {
	c.Gauge(name, value, rate)
}

// Timing tracks timing information for a metric.
func (c *ExpvarStatsClient) Timing(name string, value time.Duration, rate float64) {
	c.mu.Lock()
	d, _ := c.m.Get(name).(time.Duration)
	c.m.Set(name, d+value)
	c.mu.Unlock()
}

// Open no-op.
func (c *ExpvarStatsClient) Open() {}

// Close no-op.
func (c *ExpvarStatsClient) Close() error { return nil }

// MultiStatsClient joins multiple stats clients together.
type MultiStatsClient []StatsClient

// Tags returns tags from the first client.
func (a MultiStatsClient) Tags() []string {
	if len(a) > 0 {
		return a[0].Tags()
	}
	return nil
}

// WithTags returns a new set of clients with the additional tags.
func (a MultiStatsClient) WithTags(tags ...string) StatsClient {
	other := make(MultiStatsClient, len(a))
	for i := range a {
		other[i] = a[i].WithTags(tags...)
	}
	return other
}

// Count tracks the number of times something occurs on all clients.
func (a MultiStatsClient) Count(name string, value int64, rate float64) {
	for _, c := range a {
		c.Count(name, value, rate)
	}
}

// Gauge sets the value of a metric on all clients.
func (a MultiStatsClient) Gauge(name string, value float64, rate float64) {
	for _, c := range a {
		c.Gauge(name, value, rate)
	}
}

// Histogram tracks statistical distribution of a metric on all clients.
func (a MultiStatsClient) Histogram(name string, value float64, rate float64) {
	for _, c := range a {
		c.Histogram(name, value, rate)
	}
}

// Timing tracks timing information for a metric on all clients.
func (a MultiStatsClient) Timing(name string, value time.Duration, rate float64) {
	for _, c := range a {
		c.Timing(name, value, rate)
	}
}

// Open starts the stat service on all clients.
func (a MultiStatsClient) Open() {
	for _, c := range a {
		c.Open()
	}
}

// Close closes all clients.
func (a MultiStatsClient) Close() error {
	for _, c := range a {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

func joinSorted(tags []string) string {
	s := append([]string(nil), tags...)
	sort.Strings(s)
	return strings.Join(s, ",")
}

// unionStrings merges two sorted-ish tag sets, deduplicating.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
