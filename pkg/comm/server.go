/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package comm is the daemon's client-facing boundary: length-prefixed
// frames over a Unix stream socket, one reader goroutine per
// connection.
package comm

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/proto"
	"github.com/cea-hpc/phobos/pkg/request"
)

// Server frames requests off the socket and hands containers to the
// dispatch function.
type Server struct {
	sock     string
	dispatch func(*request.Container)

	mu       sync.Mutex
	listener *net.UnixListener
	conns    map[*serverConn]struct{}
	closed   bool
}

// NewServer prepares a server on the given socket path; a leftover
// socket file from a previous run is removed.
func NewServer(sock string, dispatch func(*request.Container)) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(sock), 0755); err != nil {
		return nil, err
	}
	if err := os.Remove(sock); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", sock)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve address %s", sock)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", sock)
	}

	return &Server{
		sock:     sock,
		dispatch: dispatch,
		listener: listener,
		conns:    make(map[*serverConn]struct{}),
	}, nil
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	log.G(ctx).Infof("Listening for clients on %s", s.sock)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		c := &serverConn{c: nc}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(ctx, c)
	}
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.c.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, c *serverConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.c.Close()
	}()

	for {
		var req proto.Request
		if err := proto.ReadFrame(c.c, &req); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.G(ctx).WithError(err).Warn("Client connection dropped")
				if errors.Is(err, errdefs.ErrProtocol) {
					c.Push(request.ErrorResponse(&req, err))
				}
			}
			return
		}
		s.dispatch(request.New(&req, c))
	}
}

// serverConn routes responses back to one client connection. Writes
// are serialised; a failed write only logs, the client is gone.
type serverConn struct {
	c  net.Conn
	mu sync.Mutex
}

func (c *serverConn) Push(resp *proto.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := proto.WriteFrame(c.c, resp); err != nil {
		log.L.WithError(err).Debugf("Dropping response %s", resp.ID)
	}
}
