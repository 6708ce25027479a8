// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package telemetry

import (
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/prometheus/client_golang/prometheus"
)

// LogObserver logs every event at the provided level. The zero
// LogObserver logs at log.Info.
type LogObserver struct {
	Level log.Level
}

// Observe implements Observer.
func (o LogObserver) Observe(p Progress) {
	o.Level.Print(p.String())
}

// StatusObserver reports progress to a status task, one per job.
type StatusObserver struct {
	group *status.Group
	tasks map[string]*status.Task
}

// NewStatusObserver returns an observer that reports to a
// "reconstruction" group of the provided status.
func NewStatusObserver(s *status.Status) *StatusObserver {
	return &StatusObserver{
		group: s.Group("reconstruction"),
		tasks: make(map[string]*status.Task),
	}
}

// Observe implements Observer.
func (o *StatusObserver) Observe(p Progress) {
	task := o.tasks[p.Job]
	if task == nil {
		task = o.group.Start(p.Job)
		o.tasks[p.Job] = task
	}
	task.Printf("iteration %d: objective %.6g", p.Iteration, p.Objective)
	if p.Final {
		task.Printf("%s after %d iterations: objective %.6g", p.State, p.Iteration, p.Objective)
		task.Done()
		delete(o.tasks, p.Job)
	}
}

// PrometheusObserver exports progress as prometheus metrics.
type PrometheusObserver struct {
	iteration *prometheus.GaugeVec
	objective *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
	excluded  *prometheus.CounterVec
	counters  *prometheus.CounterVec
}

// NewPrometheusObserver returns an observer whose metrics are
// registered with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		iteration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bigrecon",
			Name:      "iteration",
			Help:      "Last completed iteration",
		}, []string{"job"}),
		objective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bigrecon",
			Name:      "objective",
			Help:      "Objective after the last completed iteration",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bigrecon",
			Name:      "partition_pass_seconds",
			Help:      "Wall time of partition gradient passes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"job", "partition"}),
		excluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bigrecon",
			Name:      "excluded_partitions_total",
			Help:      "Partitions excluded from iterations",
		}, []string{"job"}),
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bigrecon",
			Name:      "executor_events_total",
			Help:      "Executor counters: batches, positions, allocation retries and splits",
		}, []string{"job", "name"}),
	}
	for _, c := range []prometheus.Collector{o.iteration, o.objective, o.duration, o.excluded, o.counters} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Observe implements Observer.
func (o *PrometheusObserver) Observe(p Progress) {
	o.iteration.WithLabelValues(p.Job).Set(float64(p.Iteration))
	o.objective.WithLabelValues(p.Job).Set(p.Objective)
	for part, d := range p.Partitions {
		o.duration.WithLabelValues(p.Job, strconv.Itoa(part)).Observe(d.Seconds())
	}
	o.excluded.WithLabelValues(p.Job).Add(float64(len(p.Excluded)))
	for name, n := range p.Stats {
		if n > 0 {
			o.counters.WithLabelValues(p.Job, name).Add(float64(n))
		}
	}
}
