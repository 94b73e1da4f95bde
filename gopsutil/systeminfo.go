// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package gopsutil collects information about the host OS for the
// daemon's info endpoint.
package gopsutil

import (
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo reports host facts through the gopsutil library. Platform
// facts are cached after the first read; memory readings are taken fresh
// on every call so repeated queries track the host.
type SystemInfo struct {
	mu        sync.Mutex
	collected bool
	platform  string
	family    string
	osVersion string
}

// NewSystemInfo returns a SystemInfo with nothing collected yet.
func NewSystemInfo() *SystemInfo {
	return &SystemInfo{}
}

// Uptime returns the host uptime in seconds.
func (s *SystemInfo) Uptime() (uint64, error) {
	return host.Uptime()
}

// Platform returns the host platform, e.g. "ubuntu".
func (s *SystemInfo) Platform() (string, error) {
	if err := s.collectPlatform(); err != nil {
		return "", err
	}
	return s.platform, nil
}

// Family returns the platform family, e.g. "debian".
func (s *SystemInfo) Family() (string, error) {
	if err := s.collectPlatform(); err != nil {
		return "", err
	}
	return s.family, nil
}

// OSVersion returns the operating system version.
func (s *SystemInfo) OSVersion() (string, error) {
	if err := s.collectPlatform(); err != nil {
		return "", err
	}
	return s.osVersion, nil
}

// KernelVersion returns the host kernel version.
func (s *SystemInfo) KernelVersion() (string, error) {
	return host.KernelVersion()
}

// collectPlatform fetches and caches the static platform facts.
func (s *SystemInfo) collectPlatform() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collected {
		return nil
	}
	platform, family, version, err := host.PlatformInformation()
	if err != nil {
		return err
	}
	s.platform, s.family, s.osVersion = platform, family, version
	s.collected = true
	return nil
}

// MemTotal returns the total host memory in bytes.
func (s *SystemInfo) MemTotal() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// MemFree returns the free host memory in bytes.
func (s *SystemInfo) MemFree() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Free, nil
}

// MemUsed returns the used host memory in bytes.
func (s *SystemInfo) MemUsed() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Used, nil
}
