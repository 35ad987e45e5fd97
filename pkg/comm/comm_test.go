/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package comm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/proto"
	"github.com/cea-hpc/phobos/pkg/request"
)

func startServer(t *testing.T, dispatch func(*request.Container)) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "comm")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "lrs.sock")

	srv, err := NewServer(sock, dispatch)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sock
}

func TestRequestResponseRoundTrip(t *testing.T) {
	sock := startServer(t, func(c *request.Container) {
		c.Respond(&proto.Response{ID: c.Req.ID, Kind: proto.KindPing})
	})

	client, err := Dial(sock)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(context.Background(), &proto.Request{Kind: proto.KindPing})
	require.NoError(t, err)
	assert.Equal(t, proto.KindPing, resp.Kind)
	assert.NotEmpty(t, resp.ID, "an empty request id is filled in by the client")
}

func TestConcurrentClientsShareOneConnection(t *testing.T) {
	sock := startServer(t, func(c *request.Container) {
		c.Respond(&proto.Response{ID: c.Req.ID, Kind: proto.KindPing})
	})

	client, err := Dial(sock)
	require.NoError(t, err)
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Send(context.Background(), &proto.Request{Kind: proto.KindPing})
			assert.NoError(t, err)
			assert.Equal(t, proto.KindPing, resp.Kind)
		}()
	}
	wg.Wait()
}

func TestErrorResponses(t *testing.T) {
	sock := startServer(t, func(c *request.Container) {
		c.Fail(errdefs.ErrNoSpace)
	})

	client, err := Dial(sock)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(context.Background(), &proto.Request{
		Kind:  proto.KindWrite,
		Write: &proto.WriteAlloc{Media: []proto.WriteMedium{{Size: 1}}},
	})
	require.NoError(t, err)
	require.Equal(t, proto.KindError, resp.Kind)
	assert.ErrorIs(t, Err(resp), errdefs.ErrNoSpace)
	assert.Equal(t, proto.KindWrite, resp.Error.KindHint)
}
