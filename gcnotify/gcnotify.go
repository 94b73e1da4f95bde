// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package gcnotify converts the runtime's garbage collection cycles into
// channel notifications for the daemon's runtime monitor.
package gcnotify

import "github.com/CAFxX/gcnotifier"

// GCNotifier signals on a channel after every completed garbage
// collection cycle until closed.
type GCNotifier struct {
	gcn *gcnotifier.GCNotifier
}

// New returns a GCNotifier wired to the runtime.
func New() *GCNotifier {
	return &GCNotifier{gcn: gcnotifier.New()}
}

// AfterGC returns the channel notifications are delivered on. The channel
// is closed when the notifier is closed.
func (n *GCNotifier) AfterGC() <-chan struct{} {
	return n.gcn.AfterGC()
}

// Close stops the notifications.
func (n *GCNotifier) Close() {
	n.gcn.Close()
}
