/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package request holds the in-flight request containers the scheduler
// and the device goroutines exchange. The container owns the mutable
// response state; sub-requests are handed to one device at a time and
// report back through the container under its lock.
package request

import (
	"sync"
	"time"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/proto"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Status is the lifecycle of one sub-request.
type Status int

const (
	StatusTodo Status = iota
	StatusDone
	StatusError
	StatusCancel
)

// Op is the device-side operation a sub-request asks for.
type Op int

const (
	OpWrite Op = iota
	OpRead
	OpFormat
)

// ResponseWriter routes a response back to the client connection the
// request arrived on. The comm layer writes the frame synchronously and
// drops the response, logging it, when the write fails.
type ResponseWriter interface {
	Push(resp *proto.Response)
}

// SubRequest is the (request, medium-index) unit of work owned by at
// most one device goroutine at a time.
type SubRequest struct {
	Cont        *Container
	MediumIndex int
	Op          Op

	// Medium is the target medium, cloned from DSS at pairing time.
	Medium *types.Medium
	// Size is the byte count a write sub-request must fit.
	Size int64
	// Format carries the format parameters when Op is OpFormat.
	Format *proto.Format

	// FailedOnMedium marks a retry that must pick a different medium.
	FailedOnMedium bool

	mu     sync.Mutex
	status Status
}

// Status returns the current lifecycle state.
func (s *SubRequest) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *SubRequest) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// releaseEntry tracks one medium of a release container until its data
// is durable.
type releaseEntry struct {
	medium types.ResourceID
	done   bool
	cancel bool
}

// Container wraps an immutable client request with the mutable response
// state built while its sub-requests progress.
type Container struct {
	Req        *proto.Request
	W          ResponseWriter
	ReceivedAt time.Time

	mu        sync.Mutex
	subs      []*SubRequest
	media     []proto.MediumInfo
	nRequired int
	nDone     int
	failed    bool
	responded bool
	releases  []releaseEntry
}

// New wraps a validated request.
func New(req *proto.Request, w ResponseWriter) *Container {
	c := &Container{Req: req, W: w, ReceivedAt: time.Now()}
	switch req.Kind {
	case proto.KindWrite:
		c.initSubs(len(req.Write.Media), len(req.Write.Media))
		for i, m := range req.Write.Media {
			c.subs[i].Op = OpWrite
			c.subs[i].Size = m.Size
		}
	case proto.KindRead:
		c.initSubs(req.Read.NRequired, req.Read.NRequired)
		for i := range c.subs {
			c.subs[i].Op = OpRead
		}
	case proto.KindFormat:
		c.initSubs(1, 1)
		c.subs[0].Op = OpFormat
		c.subs[0].Format = req.Format
	case proto.KindRelease:
		c.releases = make([]releaseEntry, len(req.Release.Media))
		for i, m := range req.Release.Media {
			c.releases[i] = releaseEntry{medium: m.ID}
		}
	}
	return c
}

func (c *Container) initSubs(n, required int) {
	c.subs = make([]*SubRequest, n)
	c.media = make([]proto.MediumInfo, n)
	c.nRequired = required
	for i := range c.subs {
		c.subs[i] = &SubRequest{Cont: c, MediumIndex: i}
	}
}

// Kind returns the request kind.
func (c *Container) Kind() proto.Kind { return c.Req.Kind }

// Subs returns the sub-request slots. The slice itself is immutable
// after New.
func (c *Container) Subs() []*SubRequest {
	return c.subs
}

// Failed reports whether the container already took an error path.
func (c *Container) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// CompleteSub records a finished sub-request and its response entry.
// It returns true when this completion satisfies the container, in
// which case the success response has been pushed.
func (c *Container) CompleteSub(sub *SubRequest, info proto.MediumInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		sub.setStatus(StatusCancel)
		return false
	}
	sub.setStatus(StatusDone)
	c.media[sub.MediumIndex] = info
	c.nDone++
	if c.nDone < c.nRequired {
		return false
	}
	c.pushLocked(c.successResponseLocked())
	return true
}

// FailSub records a terminal sub-request failure. All done siblings
// roll back to cancel and a single error response is pushed. It
// returns true if this call performed the failure transition.
func (c *Container) FailSub(sub *SubRequest, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub.setStatus(StatusError)
	if c.failed {
		return false
	}
	c.failed = true
	for _, s := range c.subs {
		if s != sub && s.Status() == StatusDone {
			s.setStatus(StatusCancel)
		}
	}
	c.pushLocked(ErrorResponse(c.Req, err))
	return true
}

// Fail pushes an error response for the whole container, e.g. on
// validation failure or shutdown.
func (c *Container) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return
	}
	c.failed = true
	for _, s := range c.subs {
		if s.Status() == StatusDone || s.Status() == StatusTodo {
			s.setStatus(StatusCancel)
		}
	}
	c.pushLocked(ErrorResponse(c.Req, err))
}

// Respond pushes an already-built success response for requests served
// inline (ping, notify, configure).
func (c *Container) Respond(resp *proto.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushLocked(resp)
}

func (c *Container) pushLocked(resp *proto.Response) {
	if c.responded || c.W == nil {
		return
	}
	c.responded = true
	c.W.Push(resp)
}

func (c *Container) successResponseLocked() *proto.Response {
	resp := &proto.Response{ID: c.Req.ID, Kind: c.Req.Kind}
	switch c.Req.Kind {
	case proto.KindWrite:
		resp.Write = &proto.WriteResp{Media: append([]proto.MediumInfo(nil), c.media...)}
	case proto.KindRead:
		resp.Read = &proto.ReadResp{Media: append([]proto.MediumInfo(nil), c.media...)}
	case proto.KindFormat:
		resp.Format = &proto.FormatResp{ID: c.Req.Format.ID}
	}
	return resp
}

// ReleasePending reports how many release entries still await sync.
func (c *Container) ReleasePending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.releases {
		if !e.done && !e.cancel {
			n++
		}
	}
	return n
}

// CompleteRelease marks one released medium durable. When every entry
// is settled the release response is pushed; cancelled entries are
// omitted from it.
func (c *Container) CompleteRelease(medium types.ResourceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleReleaseLocked(medium, false)
}

// CancelRelease drops one released medium from the container, e.g.
// because its request failed elsewhere. No response entry is emitted
// for it.
func (c *Container) CancelRelease(medium types.ResourceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleReleaseLocked(medium, true)
}

func (c *Container) settleReleaseLocked(medium types.ResourceID, cancel bool) {
	pending := 0
	for i := range c.releases {
		e := &c.releases[i]
		if e.medium == medium && !e.done && !e.cancel {
			if cancel {
				e.cancel = true
			} else {
				e.done = true
			}
		}
		if !c.releases[i].done && !c.releases[i].cancel {
			pending++
		}
	}
	if pending > 0 {
		return
	}
	resp := &proto.Response{ID: c.Req.ID, Kind: proto.KindRelease,
		Release: &proto.ReleaseResp{}}
	for _, e := range c.releases {
		if e.done {
			resp.Release.Media = append(resp.Release.Media, e.medium)
		}
	}
	if len(resp.Release.Media) == 0 {
		// every entry was cancelled; the error path already answered
		return
	}
	c.pushLocked(resp)
}

// ErrorResponse builds the error envelope for a request.
func ErrorResponse(req *proto.Request, err error) *proto.Response {
	return &proto.Response{
		ID:   req.ID,
		Kind: proto.KindError,
		Error: &proto.Error{
			Code:     errdefs.Code(err),
			KindHint: req.Kind,
			Message:  err.Error(),
		},
	}
}
