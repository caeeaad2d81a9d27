// Copyright 2024 The goffload Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package offload

import (
	"unsafe"
)

// ICV holds the per-task internal control variables the offload entry
// points consult.
type ICV struct {
	// DefaultDevice is the device selected by DeviceICV.
	DefaultDevice int

	// ThreadLimit caps team sizes inside target regions.
	ThreadLimit uint32
}

// Scheduler is the hook to the external task scheduler. Directives with
// dependency clauses route through it: a NOWAIT update or enter/exit-data
// batch is offered to Defer, and any other directive waits for its
// dependencies inline. Target launches are never deferred. Without a
// scheduler, dependencies are ignored and every directive runs inline.
type Scheduler interface {
	// Cancelled reports whether the surrounding parallel team or taskgroup
	// has been cancelled; new target launches, updates and enter/exit-data
	// batches then become no-ops.
	Cancelled() bool

	// WaitForDependencies blocks the calling task until the given depend
	// addresses resolve.
	WaitForDependencies(depend []unsafe.Pointer)

	// Defer queues t to run asynchronously once its dependencies resolve,
	// returning false if the scheduler cannot (the caller then runs the
	// work inline).
	Defer(t *TargetTask) bool
}

// Task carries the per-task state the entry points need: the control
// variables, the stack of open data regions, and the optional scheduler
// hook.
type Task struct {
	ICV       ICV
	Scheduler Scheduler

	// data is the innermost open target data region.
	data *TargetMem
}

// NewTask returns a task with default control variables.
func (m *Manager) NewTask() *Task {
	return &Task{}
}

// Teams applies a teams construct's thread limit to the task's control
// variables.
func (m *Manager) Teams(tk *Task, numTeams, threadLimit uint32) {
	if tk != nil && threadLimit != 0 {
		tk.ICV.ThreadLimit = threadLimit
	}
}

// TargetTask is one update or enter/exit batch deferred to the external
// scheduler by a NOWAIT directive. The scheduler calls Run once the task's
// dependencies resolve.
type TargetTask struct {
	dev       *Device
	hostAddrs []unsafe.Pointer
	sizes     []uintptr
	kinds     []uint16
	flags     uint32

	// Depend is the directive's dependency list, exposed for the
	// scheduler's resolution machinery.
	Depend []unsafe.Pointer
}

// Run executes the deferred batch.
func (t *TargetTask) Run() {
	if t.dev == nil {
		return
	}
	switch {
	case t.flags&TargetFlagUpdate != 0:
		t.dev.update(len(t.hostAddrs), t.hostAddrs, t.sizes, extKinds(t.kinds))
	case t.flags&TargetFlagExitData == 0:
		enterData(t.dev, t.hostAddrs, t.sizes, t.kinds)
	default:
		t.dev.exitData(len(t.hostAddrs), t.hostAddrs, t.sizes, extKinds(t.kinds))
	}
}
