// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package shm manages named shared-memory segments, with a global in-process
// limit on the number of active mappings.
//
// A segment is a file in a tmpfs directory mapped MAP_SHARED, so every
// process that opens the same name sees the same pages. Unlinking removes
// the name only; existing mappings stay valid until they are closed, which
// is what lets an owner drop a segment while readers elsewhere still hold
// live views into it.
package shm

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/haloscope/snapserve/errors"
)

// Dir is the directory holding segment backing files. On Linux /dev/shm is
// a tmpfs, so segments live in memory; elsewhere (and in hermetic tests)
// the OS temp directory serves.
var Dir = defaultDir()

func defaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Segment is a mapped shared-memory segment. The zero value is not usable;
// segments come from Create or Open.
type Segment struct {
	name string
	path string
	data []byte
}

func segmentPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
		return "", errors.Newf(errors.ErrTransfer, "invalid segment name %q", name)
	}
	return filepath.Join(Dir, name), nil
}

// Create makes a new segment of size bytes, zero-filled, and maps it
// read-write. The name must be new; creating over an existing segment is an
// error rather than a truncation.
func Create(name string, size int) (*Segment, error) {
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Newf(errors.ErrTransfer, "segment %q size %d must be positive", name, size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "creating segment %q", name)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "sizing segment %q to %d bytes", name, size)
	}
	data, err := mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "mapping segment %q", name)
	}
	return &Segment{name: name, path: path, data: data}, nil
}

// Open maps an existing segment read-write. A missing name is a
// TransferError: it means a received handle refers to a segment its owner
// never created or already unlinked before we mapped it.
func Open(name string) (*Segment, error) {
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrTransfer, "shared segment %q not found", name)
		}
		return nil, errors.Wrapf(err, "opening segment %q", name)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "sizing segment %q", name)
	}
	size := int(fi.Size())
	if size <= 0 {
		return nil, errors.Newf(errors.ErrTransfer, "shared segment %q is empty", name)
	}
	data, err := mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping segment %q", name)
	}
	return &Segment{name: name, path: path, data: data}, nil
}

// Name returns the segment's name.
func (s *Segment) Name() string { return s.name }

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Data returns the live mapping. Writes are visible to every holder of the
// segment, in-process or not.
func (s *Segment) Data() []byte { return s.data }

// Close unmaps the segment. The name (if not yet unlinked) and other
// holders' mappings are unaffected. Close is not idempotent.
func (s *Segment) Close() error {
	data := s.data
	s.data = nil
	if err := munmap(data); err != nil {
		return errors.Wrapf(err, "unmapping segment %q", s.name)
	}
	return nil
}

// Unlink removes the segment's name. Mappings held anywhere remain valid;
// once the last one is closed the memory is gone. Only the segment's
// creator should unlink it.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.path); err != nil {
		return errors.Wrapf(err, "unlinking segment %q", s.name)
	}
	return nil
}
