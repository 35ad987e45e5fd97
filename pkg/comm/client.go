/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package comm

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/proto"
)

// Client is a minimal LRS client: it matches responses to requests by
// id, so several goroutines can share one connection.
type Client struct {
	c net.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan *proto.Response
	readErr error
}

// Dial connects to a daemon socket.
func Dial(sock string) (*Client, error) {
	c, err := net.Dial("unix", sock)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", sock)
	}
	cl := &Client{
		c:       c,
		waiters: make(map[string]chan *proto.Response),
	}
	go cl.readLoop()
	return cl, nil
}

// Close drops the connection; pending Send calls fail.
func (c *Client) Close() error {
	return c.c.Close()
}

func (c *Client) readLoop() {
	for {
		var resp proto.Response
		if err := proto.ReadFrame(c.c, &resp); err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.waiters {
				close(ch)
				delete(c.waiters, id)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.waiters[resp.ID]
		if ok {
			delete(c.waiters, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// Send issues one request and waits for its response. An empty request
// id is filled with a fresh uuid.
func (c *Client) Send(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ch := make(chan *proto.Response, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	c.waiters[req.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := proto.WriteFrame(c.c, req)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.waiters, req.ID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return nil, errors.Wrap(err, "connection lost")
		}
		return resp, nil
	}
}

// Err extracts the daemon error of an error response, nil otherwise.
func Err(resp *proto.Response) error {
	if resp.Kind != proto.KindError || resp.Error == nil {
		return nil
	}
	base := errdefs.FromCode(resp.Error.Code)
	if resp.Error.Message != "" {
		return errors.Wrap(base, resp.Error.Message)
	}
	return base
}
