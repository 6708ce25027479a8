// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigrecon/internal/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// Session represents a reconstruction compute session. A session
// owns an executor and is valid for the run of the binary. A session
// may run multiple jobs, serially or concurrently.
//
//	sess := exec.Start(exec.Local, exec.Devices(4))
//	defer sess.Shutdown()
//	res, err := recon.Run(ctx, sess, problem, cfg)
type Session struct {
	context.Context
	index        int32
	shutdown     func()
	p            int
	devices      int
	deviceMemory int64
	executor     Executor
	status       *status.Status
	group        *status.Group
	tracePath    string
	registry     prometheus.Registerer

	tracer *trace.Tracer
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the number of worker machines used by the
// bigmachine executor. Partitions are assigned to machines round
// robin.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Devices configures the number of devices available at each
// executor location.
func Devices(n int) Option {
	if n <= 0 {
		panic("exec.Devices: n <= 0")
	}
	return func(s *Session) {
		s.devices = n
	}
}

// DeviceMemory configures the memory budget, in bytes, of each
// device. A budget of zero means unlimited.
func DeviceMemory(bytes int64) Option {
	if bytes < 0 {
		panic("exec.DeviceMemory: bytes < 0")
	}
	return func(s *Session) {
		s.deviceMemory = bytes
	}
}

// Status configures the session with a status object to which
// partition pass statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// TracePath configures the path to which a trace event file for the
// session will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Registry configures the prometheus registerer with which
// reconstruction metrics are registered.
func Registry(reg prometheus.Registerer) Option {
	return func(s *Session) {
		s.registry = reg
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start. In general, there should be only one session per process, but we
// violate this in some tests.
var nextSessionIndex int32

// Start creates and starts a new session, configuring it according
// to the provided options. If no executor is configured, the session
// uses the local executor.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	s.start()
	return s
}

func (s *Session) start() {
	if s.p == 0 {
		s.p = 1
	}
	if s.devices == 0 {
		s.devices = 1
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	if s.status != nil {
		s.group = s.status.Group("passes")
	}
	s.tracer = new(trace.Tracer)
	s.shutdown = s.executor.Start(s)
	memory := "unlimited"
	if s.deviceMemory > 0 {
		memory = data.Size(s.deviceMemory).String()
	}
	log.Printf("exec: started %s session %d: parallelism %d, %d devices with %s each",
		s.executor.Name(), s.index, s.p, s.devices, memory)
}

// Parallelism returns the number of worker machines.
func (s *Session) Parallelism() int { return s.p }

// Devices returns the number of devices at each executor location.
func (s *Session) Devices() int { return s.devices }

// DeviceMemory returns the memory budget of each device, in bytes.
func (s *Session) DeviceMemory() int64 { return s.deviceMemory }

// Executor returns the session's executor.
func (s *Session) Executor() Executor { return s.executor }

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status { return s.status }

// Registry returns the session's prometheus registerer, if any.
func (s *Session) Registry() prometheus.Registerer { return s.registry }

// Tracer returns the session's tracer.
func (s *Session) Tracer() *trace.Tracer { return s.tracer }

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		if err := s.tracer.WriteFile(context.Background(), s.tracePath); err != nil {
			log.Error.Printf("error writing trace file at %q: %v", s.tracePath, err)
		}
	}
}

// HandleDebug registers the session's debug handlers.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := s.tracer.Marshal(w); err != nil {
			log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
		}
	})
	handler.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		vals, err := s.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, vals)
	})
}
