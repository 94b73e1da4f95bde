// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exposes serving metrics on the Prometheus default
// registry, so a scrape of the debug endpoint sees everything the server
// reports through its stats client.
package prometheus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haloscope/snapserve"
	"github.com/haloscope/snapserve/logger"
)

// namespace is prepended to each metric name.
const namespace = "snapserve"

// Ensure client implements interface.
var _ snapserve.StatsClient = &statsClient{}

// statsClient is the Prometheus implementation of snapserve.StatsClient.
// Collectors are created on first use and registered once; clients derived
// with WithTags share the collector table and differ only in the constant
// labels they stamp onto new collectors.
type statsClient struct {
	state *clientState
	tags  []string
}

type clientState struct {
	reg    prometheus.Registerer
	logger logger.Logger

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// NewStatsClient returns a client registering on the default registry.
func NewStatsClient() *statsClient {
	return &statsClient{
		state: &clientState{
			reg:        prometheus.DefaultRegisterer,
			logger:     logger.NopLogger,
			counters:   make(map[string]prometheus.Counter),
			gauges:     make(map[string]prometheus.Gauge),
			histograms: make(map[string]prometheus.Histogram),
		},
	}
}

// Open no-op.
func (c *statsClient) Open() {}

// Close no-op: the registry owns the collectors.
func (c *statsClient) Close() error { return nil }

// Tags returns a sorted list of tags on the client.
func (c *statsClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended.
func (c *statsClient) WithTags(tags ...string) snapserve.StatsClient {
	return &statsClient{
		state: c.state,
		tags:  unionStringSlice(c.tags, tags),
	}
}

// Count tracks the number of times something occurs.
func (c *statsClient) Count(name string, value int64, rate float64) {
	c.counter(name).Add(float64(value))
}

// Gauge sets the value of a metric.
func (c *statsClient) Gauge(name string, value float64, rate float64) {
	c.gauge(name).Set(value)
}

// Histogram tracks statistical distribution of a metric.
func (c *statsClient) Histogram(name string, value float64, rate float64) {
	c.histogram(name).Observe(value)
}

// Timing tracks timing information for a metric, in seconds under
// name_seconds as Prometheus convention wants.
func (c *statsClient) Timing(name string, value time.Duration, rate float64) {
	c.histogram(name + "_seconds").Observe(value.Seconds())
}

// SetLogger sets the logger reporting registration failures.
func (c *statsClient) SetLogger(logger logger.Logger) {
	c.state.logger = logger
}

func (c *statsClient) key(name string) string {
	return name + "|" + strings.Join(c.tags, ",")
}

func (c *statsClient) counter(name string) prometheus.Counter {
	s := c.state
	key := c.key(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctr, ok := s.counters[key]; ok {
		return ctr
	}
	ctr := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help(name),
		ConstLabels: labelsFromTags(c.tags),
	})
	if existing, ok := s.register(name, ctr); ok {
		if prev, ok := existing.(prometheus.Counter); ok {
			ctr = prev
		}
	}
	s.counters[key] = ctr
	return ctr
}

func (c *statsClient) gauge(name string) prometheus.Gauge {
	s := c.state
	key := c.key(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help(name),
		ConstLabels: labelsFromTags(c.tags),
	})
	if existing, ok := s.register(name, g); ok {
		if prev, ok := existing.(prometheus.Gauge); ok {
			g = prev
		}
	}
	s.gauges[key] = g
	return g
}

func (c *statsClient) histogram(name string) prometheus.Histogram {
	s := c.state
	key := c.key(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[key]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help(name),
		ConstLabels: labelsFromTags(c.tags),
		Buckets:     prometheus.DefBuckets,
	})
	if existing, ok := s.register(name, h); ok {
		if prev, ok := existing.(prometheus.Histogram); ok {
			h = prev
		}
	}
	s.histograms[key] = h
	return h
}

// register adds col to the registry, handing back the existing collector
// when one with the same descriptor beat it there. Callers hold s.mu.
func (s *clientState) register(name string, col prometheus.Collector) (prometheus.Collector, bool) {
	err := s.reg.Register(col)
	if err == nil {
		return nil, false
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return are.ExistingCollector, true
	}
	s.logger.Printf("prometheus.StatsClient registering %s: %s", name, err)
	return nil, false
}

func help(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// labelsFromTags turns "key:value" tags into constant labels. A tag with no
// colon becomes a label with an empty value.
func labelsFromTags(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return nil
	}
	labels := make(prometheus.Labels, len(tags))
	for _, tag := range tags {
		k, v, _ := strings.Cut(tag, ":")
		labels[k] = v
	}
	return labels
}

// unionStringSlice returns a sorted set of tags which combine a & b.
func unionStringSlice(a, b []string) []string {
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
