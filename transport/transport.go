// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the rank-addressed point-to-point exchange the
// snapshot protocol runs over, plus two implementations: Local wires N
// in-process ranks together for tests and single-machine runs, and TCP stars
// worker processes through rank 0's listener.
//
// The contract is deliberately narrow. Payloads are opaque byte slices;
// delivery order is FIFO per ordered (sender, receiver) pair and nothing is
// promised across pairs; sends and receives block for as long as it takes.
// Timeouts, retries and message semantics all belong to the layers above.
package transport

// Exchange is the communication fabric a participant holds: its own rank,
// the group size, blocking point-to-point byte transfer, and a full-group
// barrier.
type Exchange interface {
	// Rank returns this participant's rank in [0, Size).
	Rank() int
	// Size returns the number of participants.
	Size() int
	// Send delivers payload to dest. It blocks until the payload is
	// handed to the fabric, never until the receiver collects it.
	Send(payload []byte, dest int) error
	// Receive blocks until the next payload from src arrives and
	// returns it. Payloads from one sender arrive in send order.
	Receive(src int) ([]byte, error)
	// ReceiveAny blocks until a payload from any rank arrives and
	// returns it along with the sender's rank. Per-sender FIFO order
	// still holds; no sender is starved while others keep sending.
	ReceiveAny() (src int, payload []byte, err error)
	// Barrier blocks until every participant has entered it.
	Barrier() error
}
