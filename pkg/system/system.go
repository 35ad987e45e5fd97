/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package system is the admin API: device, media and health inspection
// plus metrics, served over a dedicated Unix socket.
package system

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/metrics"
	"github.com/cea-hpc/phobos/pkg/scheduler"
	"github.com/cea-hpc/phobos/pkg/types"
)

const (
	endpointDevices = "/api/v1/devices"
	endpointMedia   = "/api/v1/media"
	endpointHealth  = "/api/v1/health"
	endpointMetrics = "/metrics"
)

const defaultErrorCode string = "Unknown"

// Controller serves the admin endpoints for one daemon instance.
type Controller struct {
	store  dss.Store
	scheds []*scheduler.Scheduler
	addr   *net.UnixAddr
	router *mux.Router
	start  time.Time
}

type errorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorMessage(message string) errorMessage {
	return errorMessage{Code: defaultErrorCode, Message: message}
}

func (m *errorMessage) encode() string {
	msg, err := json.Marshal(&m)
	if err != nil {
		log.L.Errorf("Failed to encode error message, %s", err)
		return ""
	}
	return string(msg)
}

func jsonResponse(w http.ResponseWriter, payload interface{}) {
	respBody, err := json.Marshal(&payload)
	if err != nil {
		log.L.Errorf("marshal error, %s", err)
		m := newErrorMessage(err.Error())
		http.Error(w, m.encode(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(respBody); err != nil {
		log.L.Errorf("write body %s", err)
	}
}

type deviceInfo struct {
	ID          types.ResourceID  `json:"id"`
	AdminStatus types.AdminStatus `json:"admin_status"`
	OpStatus    types.OpStatus    `json:"op_status"`
	Medium      string            `json:"medium,omitempty"`
	TosyncCount int               `json:"tosync_count"`
	TosyncBytes int64             `json:"tosync_bytes"`
}

type healthInfo struct {
	Pid      int    `json:"pid"`
	Uptime   string `json:"uptime"`
	NbDevice int    `json:"nb_devices"`
}

// NewController binds the admin API on a socket path.
func NewController(store dss.Store, scheds []*scheduler.Scheduler, sock string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(sock), os.ModePerm); err != nil {
		return nil, err
	}
	if err := os.Remove(sock); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", sock)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve address %s", sock)
	}

	sc := Controller{
		store:  store,
		scheds: scheds,
		addr:   addr,
		router: mux.NewRouter(),
		start:  time.Now(),
	}
	sc.registerRouter()

	return &sc, nil
}

// Run serves until the listener is closed.
func (sc *Controller) Run() error {
	log.L.Infof("Start admin API server on %s", sc.addr)
	listener, err := net.ListenUnix("unix", sc.addr)
	if err != nil {
		return errors.Wrapf(err, "listen to socket %s", sc.addr)
	}

	if err := http.Serve(listener, sc.router); err != nil {
		return errors.Wrapf(err, "admin API serving")
	}
	return nil
}

func (sc *Controller) registerRouter() {
	sc.router.HandleFunc(endpointDevices, sc.describeDevices()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointMedia, sc.describeMedia()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointHealth, sc.health()).Methods(http.MethodGet)
	sc.router.Handle(endpointMetrics,
		promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (sc *Controller) describeDevices() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		info := make([]deviceInfo, 0, 8)
		for _, sched := range sc.scheds {
			for _, d := range sched.Devices() {
				entry := deviceInfo{
					ID:          d.ID(),
					AdminStatus: d.Info().AdminStatus,
					OpStatus:    d.OpStatus(),
				}
				if m := d.Medium(); m != nil {
					entry.Medium = m.ID.Name
				}
				entry.TosyncCount, entry.TosyncBytes, _ = d.TosyncStats()
				info = append(info, entry)
			}
		}
		jsonResponse(w, &info)
	}
}

func (sc *Controller) describeMedia() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		media, err := sc.store.Media().Get(r.Context(), dss.MediaFilter{})
		if err != nil {
			m := newErrorMessage(err.Error())
			http.Error(w, m.encode(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, &media)
	}
}

func (sc *Controller) health() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		nb := 0
		for _, sched := range sc.scheds {
			nb += len(sched.Devices())
		}
		jsonResponse(w, &healthInfo{
			Pid:      os.Getpid(),
			Uptime:   time.Since(sc.start).Round(time.Second).String(),
			NbDevice: nb,
		})
	}
}
