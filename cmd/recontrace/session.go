// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrecon/internal/trace"
)

// run is a single pass over one partition.
type run struct {
	job       string
	pass      string
	iteration int
	partition int
	location  string
	failed    bool
	// start is measured as a duration offset from the start of tracing.
	start    time.Duration
	duration time.Duration
}

// passStat summarizes the runs of one pass of a job.
type passStat struct {
	job    string
	pass   string
	rounds int
	runs   int
	failed int
	// start is measured as a duration offset from the start of tracing.
	start time.Duration
	// wall is the sum of the rounds' durations, each measured from its
	// first start to its last end.
	wall  time.Duration
	total time.Duration
	min   time.Duration
	q1    time.Duration
	q2    time.Duration
	q3    time.Duration
	max   time.Duration
}

// partitionStat summarizes the runs of one partition of a job.
type partitionStat struct {
	job       string
	partition int
	location  string
	runs      int
	total     time.Duration
	// slowest is the number of rounds in which the partition finished
	// last.
	slowest int
}

// session is the interpreted trace of a bigrecon session.
type session struct {
	jobs       []string
	runs       []run
	passStats  []passStat
	partitions []partitionStat
}

func newSession(events []trace.Event) *session {
	runs := buildRuns(events)
	s := &session{runs: runs}
	seen := make(map[string]bool)
	for _, r := range runs {
		if !seen[r.job] {
			seen[r.job] = true
			s.jobs = append(s.jobs, r.job)
		}
	}
	s.passStats = buildPassStats(runs)
	s.partitions = buildPartitionStats(runs)
	return s
}

// Jobs returns the jobs of the session in order of their first run.
func (s *session) Jobs() []string { return s.jobs }

// PassStats returns the pass statistics of job in order of their
// first run.
func (s *session) PassStats(job string) []passStat {
	var stats []passStat
	for _, p := range s.passStats {
		if p.job == job {
			stats = append(stats, p)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].start < stats[j].start })
	return stats
}

// PartitionStats returns the partition statistics of job ordered by
// partition.
func (s *session) PartitionStats(job string) []partitionStat {
	var stats []partitionStat
	for _, p := range s.partitions {
		if p.job == job {
			stats = append(stats, p)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].partition < stats[j].partition })
	return stats
}

func buildRuns(events []trace.Event) []run {
	locations := make(map[int]string)
	for _, event := range events {
		if event.Ph == "M" && event.Name == "process_name" {
			if name, ok := event.Args["name"].(string); ok {
				locations[event.Pid] = name
			}
		}
	}
	var runs []run
	for _, event := range events {
		if event.Ph != "X" || event.Cat != "pass" {
			continue
		}
		job, ok := event.Args["job"].(string)
		if !ok {
			log.Printf("event without job: %#v", event)
			continue
		}
		// JSON numbers decode as float64.
		iteration, ok := event.Args["iteration"].(float64)
		if !ok {
			log.Printf("event without iteration: %#v", event)
			continue
		}
		failed, _ := event.Args["error"].(bool)
		runs = append(runs, run{
			job:       job,
			pass:      event.Name,
			iteration: int(iteration),
			partition: event.Tid,
			location:  locations[event.Pid],
			failed:    failed,
			start:     time.Duration(event.Ts * 1e3),
			duration:  time.Duration(event.Dur * 1e3),
		})
	}
	return runs
}

// A roundKey identifies a round: the runs of a pass at one iteration.
// A pass may run more than once per iteration when partitions are
// retried.
type roundKey struct {
	job       string
	pass      string
	iteration int
}

// passRound is the extent of a round and its last partition.
type passRound struct {
	minStart, maxEnd time.Duration
	last             int
}

func buildRounds(runs []run) map[roundKey]*passRound {
	rounds := make(map[roundKey]*passRound)
	for _, r := range runs {
		key := roundKey{r.job, r.pass, r.iteration}
		rd, ok := rounds[key]
		if !ok {
			rd = &passRound{minStart: r.start, last: r.partition}
			rounds[key] = rd
		}
		if r.start < rd.minStart {
			rd.minStart = r.start
		}
		if end := r.start + r.duration; rd.maxEnd < end {
			rd.maxEnd = end
			rd.last = r.partition
		}
	}
	return rounds
}

func buildPassStats(runs []run) []passStat {
	type jobPass struct{ job, pass string }
	type accum struct {
		rounds    map[int]bool
		failed    int
		minStart  time.Duration
		durations []time.Duration
		total     time.Duration
	}
	accums := make(map[jobPass]*accum)
	for _, r := range runs {
		key := jobPass{r.job, r.pass}
		a, ok := accums[key]
		if !ok {
			a = &accum{rounds: make(map[int]bool), minStart: 1<<63 - 1}
			accums[key] = a
		}
		a.rounds[r.iteration] = true
		if r.failed {
			a.failed++
		}
		if r.start < a.minStart {
			a.minStart = r.start
		}
		a.durations = append(a.durations, r.duration)
		a.total += r.duration
	}
	wall := make(map[jobPass]time.Duration)
	for key, rd := range buildRounds(runs) {
		wall[jobPass{key.job, key.pass}] += rd.maxEnd - rd.minStart
	}
	stats := make([]passStat, 0, len(accums))
	for key, a := range accums {
		sort.Slice(a.durations, func(i, j int) bool { return a.durations[i] < a.durations[j] })
		// a.durations is non-empty: an accumulator exists only for a run.
		q1, q2, q3 := quartiles(a.durations)
		stats = append(stats, passStat{
			job:    key.job,
			pass:   key.pass,
			rounds: len(a.rounds),
			runs:   len(a.durations),
			failed: a.failed,
			start:  a.minStart,
			wall:   wall[key],
			total:  a.total,
			min:    a.durations[0],
			q1:     q1,
			q2:     q2,
			q3:     q3,
			max:    a.durations[len(a.durations)-1],
		})
	}
	return stats
}

func buildPartitionStats(runs []run) []partitionStat {
	type jobPartition struct {
		job       string
		partition int
	}
	stats := make(map[jobPartition]*partitionStat)
	for _, r := range runs {
		key := jobPartition{r.job, r.partition}
		p, ok := stats[key]
		if !ok {
			p = &partitionStat{job: r.job, partition: r.partition, location: r.location}
			stats[key] = p
		}
		p.runs++
		p.total += r.duration
	}
	for key, rd := range buildRounds(runs) {
		stats[jobPartition{key.job, rd.last}].slowest++
	}
	out := make([]partitionStat, 0, len(stats))
	for _, p := range stats {
		out = append(out, *p)
	}
	return out
}

func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(40)
	fmt.Fprint(b, v)
	return b.String()
}
