// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "sync"

// OnceTask manages a computation that must succeed at most once.
// Unlike sync.Once, a failed computation is not remembered: the next
// call to Do tries again.
type onceTask struct {
	mu   sync.Mutex
	done bool
}

// Do runs do unless a previous invocation succeeded. Concurrent calls
// are serialized, so that do never runs concurrently with itself.
func (o *onceTask) Do(do func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	if err := do(); err != nil {
		return err
	}
	o.done = true
	return nil
}

// TaskOnce coordinates actions that must succeed exactly once per key,
// such as installing a job's partition on a worker.
type taskOnce struct {
	mu    sync.Mutex
	tasks map[interface{}]*onceTask
}

// Do performs the action named by key, unless it has already
// succeeded. Do returns the error of the action, if it was run.
func (t *taskOnce) Do(key interface{}, do func() error) error {
	t.mu.Lock()
	if t.tasks == nil {
		t.tasks = make(map[interface{}]*onceTask)
	}
	task := t.tasks[key]
	if task == nil {
		task = new(onceTask)
		t.tasks[key] = task
	}
	t.mu.Unlock()
	return task.Do(do)
}

// Forget forgets past computations associated with the provided key.
func (t *taskOnce) Forget(key interface{}) {
	t.mu.Lock()
	delete(t.tasks, key)
	t.mu.Unlock()
}
