// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package server contains the snapserve daemon: an easily tested Command
// which interprets configuration, assembles the serving rank and runs it
// until shut down.
package server

import (
	"encoding/json"
	"expvar"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haloscope/snapserve"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/gcnotify"
	"github.com/haloscope/snapserve/gopsutil"
	"github.com/haloscope/snapserve/logger"
	"github.com/haloscope/snapserve/prometheus"
	"github.com/haloscope/snapserve/statsd"
	"github.com/haloscope/snapserve/synthload"
	"github.com/haloscope/snapserve/transport"
)

// Command represents the state of the snapserve daemon.
type Command struct {
	// Configuration.
	Config *Config

	// Standard input/output.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	server  *snapserve.Server
	stats   snapserve.StatsClient
	sysInfo *gopsutil.SystemInfo

	ln      net.Listener // worker rendezvous listener
	debugLn net.Listener

	logOutput io.Writer
	logger    logger.Logger

	mu       sync.Mutex
	x        *transport.TCP
	closed   bool
	serveErr error

	doneOnce sync.Once
	done     chan struct{}
}

// NewCommand returns a new instance of Command with default configuration.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	return &Command{
		Config:  NewConfig(),
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		sysInfo: gopsutil.NewSystemInfo(),
		done:    make(chan struct{}),
	}
}

// Start assembles the daemon and begins waiting for the worker group in the
// background. It returns once the daemon's listeners are bound; use Wait to
// block until the serve loop finishes or a signal arrives.
func (m *Command) Start() error {
	if err := m.setupLogger(); err != nil {
		return errors.Wrap(err, "setting up logging")
	}

	stats, err := m.newStatsClient(m.Config.Metric.Service, m.Config.Metric.Host)
	if err != nil {
		return errors.Wrap(err, "setting up stats")
	}
	m.stats = stats
	m.stats.Open()

	m.server = snapserve.NewServer(m.logger, m.stats)
	m.server.RegisterLoader(m.synthLoader())

	ln, err := net.Listen("tcp", m.Config.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.Config.Bind)
	}
	m.ln = ln

	if err := m.setupDebug(); err != nil {
		ln.Close()
		return errors.Wrap(err, "setting up debug endpoint")
	}

	m.logger.Printf("%s", snapserve.VersionInfo())
	m.logger.Printf("waiting for %d worker ranks on %s", m.Config.Ranks-1, ln.Addr())

	go m.serve()
	go m.monitorRuntime()
	return nil
}

// serve completes the exchange rendezvous and runs the serving rank. It
// owns the daemon's teardown: when the loop stops, for whatever reason, the
// whole Command comes down with it.
func (m *Command) serve() {
	x, err := transport.AcceptTCP(m.ln, m.Config.Ranks, m.logger)
	if err != nil {
		if !m.isClosed() {
			m.fail(errors.Wrap(err, "assembling exchange group"))
		}
		m.Close()
		m.close()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		x.Close()
		m.close()
		return
	}
	m.x = x
	m.mu.Unlock()

	if err := m.server.Serve(x); err != nil && !m.isClosed() {
		m.fail(errors.Wrap(err, "serving"))
	}
	m.Close()
	m.close()
}

// Wait blocks until the daemon is closed or interrupted by a signal.
func (m *Command) Wait() error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		m.logger.Printf("received signal '%s', gracefully shutting down...", sig)
		// A second signal causes a hard shutdown.
		go func() { <-c; os.Exit(1) }()
		return m.Close()
	case <-m.done:
		return m.Err()
	}
}

// Close shuts the daemon down and releases Wait. It is safe to call more
// than once and from any goroutine.
func (m *Command) Close() error {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	x := m.x
	m.mu.Unlock()
	if already {
		return nil
	}

	if x != nil {
		x.Close()
	}
	if m.ln != nil {
		m.ln.Close()
	}
	if m.debugLn != nil {
		m.debugLn.Close()
	}
	if m.stats != nil {
		if err := m.stats.Close(); err != nil {
			m.logger.Errorf("closing stats client: %v", err)
		}
	}

	var logErr error
	if closer, ok := m.logOutput.(io.Closer); ok {
		logErr = closer.Close()
	}
	m.close()
	return errors.Wrap(logErr, "closing log output")
}

// Err returns the error the serve loop stopped with, if any.
func (m *Command) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serveErr
}

// Addr returns the address the worker listener is bound to. It is valid
// after Start and reports the chosen port when Bind asked for port 0.
func (m *Command) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// DebugAddr returns the bound address of the debug endpoint, or nil when
// the endpoint is disabled.
func (m *Command) DebugAddr() net.Addr {
	if m.debugLn == nil {
		return nil
	}
	return m.debugLn.Addr()
}

func (m *Command) fail(err error) {
	m.mu.Lock()
	if m.serveErr == nil {
		m.serveErr = err
	}
	m.mu.Unlock()
	m.logger.Errorf("%v", err)
}

func (m *Command) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Command) close() {
	m.doneOnce.Do(func() { close(m.done) })
}

// setupLogger sets up logging output based on the configuration, reopening
// the log file on SIGHUP so it plays well with logrotate.
func (m *Command) setupLogger() error {
	m.logOutput = m.Stderr
	if m.Config.LogPath != "" {
		f, err := logger.NewFileWriter(m.Config.LogPath)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		m.logOutput = f
		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			defer signal.Stop(sighup)
			for {
				select {
				case <-m.done:
					return
				case <-sighup:
				}
				if err := f.Reopen(); err != nil {
					m.logger.Errorf("reopening log file: %v", err)
				}
			}
		}()
	}
	if m.Config.Verbose {
		m.logger = logger.NewVerboseLogger(m.logOutput)
	} else {
		m.logger = logger.NewStandardLogger(m.logOutput)
	}
	return nil
}

// newStatsClient creates a stats client from the metric service name.
func (m *Command) newStatsClient(name, host string) (snapserve.StatsClient, error) {
	switch name {
	case "expvar":
		return snapserve.NewExpvarStatsClient(), nil
	case "statsd":
		c, err := statsd.NewStatsClient(host)
		if err != nil {
			return nil, err
		}
		c.SetLogger(m.logger)
		return c, nil
	case "prometheus":
		c := prometheus.NewStatsClient()
		c.SetLogger(m.logger)
		return c, nil
	case "none", "nop", "":
		return snapserve.NopStatsClient, nil
	default:
		return nil, errors.Newf(errors.ErrNotFound, "unknown metric service %q", name)
	}
}

// synthLoader builds the built-in synthetic loader from the configuration.
func (m *Command) synthLoader() *synthload.Loader {
	sz := synthload.DefaultSizes()
	opt := m.Config.Synth
	if opt.DM > 0 {
		sz.DM = opt.DM
	}
	if opt.Gas > 0 {
		sz.Gas = opt.Gas
	}
	if opt.Star > 0 {
		sz.Star = opt.Star
	}
	if opt.Objects > 0 {
		sz.Objects = opt.Objects
	}
	if opt.Boxsize > 0 {
		sz.Boxsize = opt.Boxsize
	}
	l := synthload.New()
	for _, path := range m.Config.Synth.Paths {
		l.Register(path, sz)
	}
	return l
}

// setupDebug exposes expvar, prometheus and version endpoints when the
// debug bind address is configured.
func (m *Command) setupDebug() error {
	if m.Config.Debug.Bind == "" {
		return nil
	}
	ln, err := net.Listen("tcp", m.Config.Debug.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.Config.Debug.Bind)
	}
	m.debugLn = ln

	router := mux.NewRouter()
	router.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/info", m.handleInfo).Methods("GET")
	router.HandleFunc("/version", m.handleVersion).Methods("GET")

	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed && !m.isClosed() {
			m.logger.Errorf("debug endpoint: %v", err)
		}
	}()
	m.logger.Printf("debug endpoint at http://%s/debug/vars", ln.Addr())
	return nil
}

func (m *Command) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Version string `json:"version"`
	}{Version: snapserve.VersionInfo()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// hostInfo is the body of the /info debug endpoint.
type hostInfo struct {
	Version       string `json:"version"`
	Uptime        uint64 `json:"uptime"`
	Platform      string `json:"platform"`
	Family        string `json:"family"`
	OSVersion     string `json:"osVersion"`
	KernelVersion string `json:"kernelVersion"`
	MemTotal      uint64 `json:"memTotal"`
	MemFree       uint64 `json:"memFree"`
	MemUsed       uint64 `json:"memUsed"`
}

func (m *Command) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := hostInfo{Version: snapserve.VersionInfo()}
	// Collection failures leave the affected fields at their zero values.
	si := m.sysInfo
	info.Uptime, _ = si.Uptime()
	info.Platform, _ = si.Platform()
	info.Family, _ = si.Family()
	info.OSVersion, _ = si.OSVersion()
	info.KernelVersion, _ = si.KernelVersion()
	info.MemTotal, _ = si.MemTotal()
	info.MemFree, _ = si.MemFree()
	info.MemUsed, _ = si.MemUsed()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		m.logger.Errorf("writing info response: %v", err)
	}
}

// monitorRuntime counts garbage collections and periodically gauges
// runtime health until the daemon closes. A zero poll interval disables
// it.
func (m *Command) monitorRuntime() {
	interval := time.Duration(m.Config.Metric.PollInterval)
	if interval == 0 {
		return
	}
	gcn := gcnotify.New()
	defer gcn.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var ms runtime.MemStats
	for {
		select {
		case <-m.done:
			return
		case <-gcn.AfterGC():
			m.stats.Count(snapserve.MetricGarbageCollection, 1, 1.0)
			continue
		case <-ticker.C:
		}
		runtime.ReadMemStats(&ms)
		m.stats.Gauge(snapserve.MetricGoroutines, float64(runtime.NumGoroutine()), 1.0)
		m.stats.Gauge(snapserve.MetricHeapAlloc, float64(ms.HeapAlloc), 1.0)
		m.stats.Gauge(snapserve.MetricHeapInuse, float64(ms.HeapInuse), 1.0)
	}
}
