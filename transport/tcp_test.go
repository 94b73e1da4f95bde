// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/logger"
	"github.com/haloscope/snapserve/transport"
)

// reserveAddr grabs a free loopback port and releases it for the hub to
// reuse.
func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// dialRetry keeps dialing until the hub's listener is up.
func dialRetry(addr string, rank, size int, log logger.Logger) (*transport.TCP, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		x, err := transport.DialTCP(addr, rank, size, log)
		if err == nil {
			return x, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTCP_Exchange(t *testing.T) {
	addr := reserveAddr(t)
	log := logger.NewLogfLogger(t)

	var g errgroup.Group
	g.Go(func() error {
		hub, err := transport.ListenTCP(addr, 3, log)
		if err != nil {
			return err
		}
		defer hub.Close()
		seen := map[int]bool{}
		for i := 0; i < 2; i++ {
			src, got, err := hub.ReceiveAny()
			if err != nil {
				return err
			}
			if string(got) != "hello" || seen[src] {
				return errors.Errorf("from rank %d got %q (already seen: %v)", src, got, seen)
			}
			seen[src] = true
		}
		if err := hub.Send([]byte("ack1"), 1); err != nil {
			return err
		}
		if err := hub.Send([]byte("ack2"), 2); err != nil {
			return err
		}
		return hub.Barrier()
	})
	for _, rank := range []int{1, 2} {
		rank := rank
		g.Go(func() error {
			x, err := dialRetry(addr, rank, 3, log)
			if err != nil {
				return err
			}
			defer x.Close()
			if err := x.Send([]byte("hello"), 0); err != nil {
				return err
			}
			got, err := x.Receive(0)
			if err != nil {
				return err
			}
			if want := "ack" + string(rune('0'+rank)); string(got) != want {
				return errors.Errorf("rank %d got %q, want %q", rank, got, want)
			}
			// Peer-to-peer frames route through the hub.
			if rank == 1 {
				if err := x.Send([]byte("sidechannel"), 2); err != nil {
					return err
				}
			} else {
				got, err := x.Receive(1)
				if err != nil {
					return err
				}
				if string(got) != "sidechannel" {
					return errors.Errorf("rank 2 got %q", got)
				}
			}
			return x.Barrier()
		})
	}
	require.NoError(t, g.Wait())
}

func TestTCP_CloseUnblocks(t *testing.T) {
	addr := reserveAddr(t)
	log := logger.NewLogfLogger(t)

	var g errgroup.Group
	g.Go(func() error {
		hub, err := transport.ListenTCP(addr, 2, log)
		if err != nil {
			return err
		}
		// Tearing down the hub must unblock the worker's pending
		// receive remotely.
		hub.Close()
		return nil
	})
	g.Go(func() error {
		x, err := dialRetry(addr, 1, 2, log)
		if err != nil {
			return err
		}
		defer x.Close()
		_, err = x.Receive(0)
		if !errors.Is(err, errors.ErrConnClosed) {
			return errors.Errorf("expected closed exchange, got %v", err)
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestTCP_BadJoin(t *testing.T) {
	_, err := transport.DialTCP("127.0.0.1:1", 0, 2, nil)
	assert.True(t, errors.Is(err, errors.ErrProtocol), "rank 0 must not dial: %v", err)
	_, err = transport.DialTCP("127.0.0.1:1", 5, 2, nil)
	assert.True(t, errors.Is(err, errors.ErrProtocol), "got %v", err)
}
