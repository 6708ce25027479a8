// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigrecon", func(constr *config.Constructor) {
		sess := newSession()
		constr.IntVar(&sess.p, "parallelism", 1, "number of worker machines")
		constr.IntVar(&sess.devices, "devices", 1, "number of devices per executor location")
		var memory int
		constr.IntVar(&memory, "device-memory", 0, "memory budget of each device in bytes; 0 is unlimited")
		constr.StringVar(&sess.tracePath, "trace", "", "path to which a trace of the session is written on shutdown")
		var system bigmachine.System
		constr.InstanceVar(&system, "system", "", "the bigmachine system used for job execution; local execution if empty")
		constr.Doc = "bigrecon configures the reconstruction runtime"
		constr.New = func() (interface{}, error) {
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.deviceMemory = int64(memory)
			sess.start()
			return sess, nil
		}
	})
}
