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
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/goffload/goffload/pkg/plugin"
	"github.com/goffload/goffload/pkg/rangemap"
)

// Kernel is one offloadable region: the host-executable entry used for
// fallback, and the host-side anchor address that keys the region's device
// translations in the image tables.
type Kernel struct {
	Host func(args []unsafe.Pointer)
	Addr uintptr
}

func taskOrTemp(tk *Task) *Task {
	if tk == nil {
		return &Task{}
	}
	return tk
}

// getTargetFnAddr resolves the device entry for kern: natively-executing
// devices run the host entry directly, others dispatch through the image
// function table.
func (m *Manager) getTargetFnAddr(d *Device, kern *Kernel) uintptr {
	if d.caps&plugin.CapNativeExec != 0 {
		return kern.Addr
	}
	d.mu.Lock()
	fn, ok := d.lookup(rangemap.Range{Start: kern.Addr, End: kern.Addr + 1})
	d.mu.Unlock()
	if !ok {
		d.fatalf("Target function wasn't mapped")
	}
	return fn.tgtOffset
}

// hostFallback runs the region in-process under a fresh task snapshot so the
// region's control-variable changes cannot leak into the caller.
func hostFallback(tk *Task, kern *Kernel, hostAddrs []unsafe.Pointer) {
	old := *tk
	*tk = Task{Scheduler: old.Scheduler}
	kern.Host(hostAddrs)
	*tk = old
}

// runRegion launches fnAddr on d with the descriptor's argument block,
// under the same fresh-task snapshot as hostFallback.
func runRegion(tk *Task, d *Device, fnAddr uintptr, tgt *TargetMem) {
	old := *tk
	*tk = Task{Scheduler: old.Scheduler}
	d.plugin.Run(d.targetID, fnAddr, tgt.tgtStart)
	*tk = old
}

// Target maps a clause batch, launches kern on the selected device and
// unmaps, copying FROM-kind clauses back. Without a capable device the
// region runs on the host. This is the legacy entry point with 8-bit clause
// kinds.
func (m *Manager) Target(tk *Task, device int, kern *Kernel, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint8) {
	tk = taskOrTemp(tk)
	if tk.Scheduler != nil && tk.Scheduler.Cancelled() {
		return
	}
	d := m.resolveDevice(tk, device)
	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		hostFallback(tk, kern, hostAddrs)
		return
	}
	fnAddr := m.getTargetFnAddr(d, kern)
	tgt := d.mapVars(len(hostAddrs), hostAddrs, nil, sizes, legacyKinds(kinds), pragmaTarget)
	runRegion(tk, d, fnAddr, tgt)
	d.unmapVars(tgt, true)
}

// TargetExt is the 16-bit-kind entry point with dependency handling.
// Dependencies block the calling task until resolved; the region then
// proceeds as if merged. flags is not consulted: a NOWAIT region is not
// deferred to the scheduler and runs before TargetExt returns.
func (m *Manager) TargetExt(tk *Task, device int, kern *Kernel, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16, flags uint32, depend []unsafe.Pointer) {
	tk = taskOrTemp(tk)
	if tk.Scheduler != nil && tk.Scheduler.Cancelled() {
		return
	}
	d := m.resolveDevice(tk, device)

	if depend != nil && tk.Scheduler != nil {
		tk.Scheduler.WaitForDependencies(depend)
	}

	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		buf := stageFirstprivate(hostAddrs, sizes, kinds)
		hostFallback(tk, kern, hostAddrs)
		runtime.KeepAlive(buf)
		return
	}
	fnAddr := m.getTargetFnAddr(d, kern)
	tgt := d.mapVars(len(hostAddrs), hostAddrs, nil, sizes, extKinds(kinds), pragmaTarget)
	runRegion(tk, d, fnAddr, tgt)
	d.unmapVars(tgt, true)
}

// stageFirstprivate copies firstprivate clauses into a private aligned host
// block before a fallback run, repointing their host addresses, so the
// region sees private copies just as it would on a device. The returned
// buffer must stay alive across the run.
func stageFirstprivate(hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16) []byte {
	var tgtAlign, tgtSize uintptr
	for i := range kinds {
		if int(kinds[i])&0xff == MapFirstprivate {
			align := uintptr(1) << (kinds[i] >> 8)
			if tgtAlign < align {
				tgtAlign = align
			}
			tgtSize = alignUp(tgtSize, align)
			tgtSize += sizes[i]
		}
	}
	if tgtAlign == 0 {
		return nil
	}
	buf := make([]byte, tgtSize+tgtAlign-1)
	base := alignUp(uintptr(unsafe.Pointer(&buf[0])), tgtAlign)
	tgtSize = 0
	for i := range kinds {
		if int(kinds[i])&0xff == MapFirstprivate {
			align := uintptr(1) << (kinds[i] >> 8)
			tgtSize = alignUp(tgtSize, align)
			memmoveHost(base+tgtSize, uintptr(hostAddrs[i]), sizes[i])
			hostAddrs[i] = unsafe.Pointer(base + tgtSize)
			tgtSize += sizes[i]
		}
	}
	return buf
}

// targetDataFallback keeps the task's data-region stack balanced during a
// host fallback, so a later TargetEndData stays in sync with open regions.
func targetDataFallback(tk *Task) {
	if tk.data == nil {
		return
	}
	tgt := &TargetMem{refs: counted(1), prev: tk.data}
	tk.data = tgt
}

// TargetData opens a target data region: the batch's descriptor is stacked
// on the task and released by the matching TargetEndData.
func (m *Manager) TargetData(tk *Task, device int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint8) {
	tk = taskOrTemp(tk)
	d := m.resolveDevice(tk, device)
	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		targetDataFallback(tk)
		return
	}
	tgt := d.mapVars(len(hostAddrs), hostAddrs, nil, sizes, legacyKinds(kinds), pragmaData)
	tgt.prev = tk.data
	tk.data = tgt
}

// TargetDataExt is TargetData with 16-bit clause kinds.
func (m *Manager) TargetDataExt(tk *Task, device int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16) {
	tk = taskOrTemp(tk)
	d := m.resolveDevice(tk, device)
	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		targetDataFallback(tk)
		return
	}
	tgt := d.mapVars(len(hostAddrs), hostAddrs, nil, sizes, extKinds(kinds), pragmaData)
	tgt.prev = tk.data
	tk.data = tgt
}

// TargetEndData closes the innermost target data region.
func (m *Manager) TargetEndData(tk *Task) {
	tk = taskOrTemp(tk)
	if tk.data == nil {
		return
	}
	tgt := tk.data
	tk.data = tgt.prev
	if tgt.dev != nil {
		tgt.dev.unmapVars(tgt, true)
	}
}

// TargetUpdate refreshes mapped objects; a no-op without a capable device.
// This is the legacy entry point with 8-bit clause kinds.
func (m *Manager) TargetUpdate(tk *Task, device int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint8) {
	d := m.resolveDevice(taskOrTemp(tk), device)
	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		return
	}
	d.update(len(hostAddrs), hostAddrs, sizes, legacyKinds(kinds))
}

// TargetUpdateExt is TargetUpdate with 16-bit kinds, NOWAIT and dependency
// handling.
func (m *Manager) TargetUpdateExt(tk *Task, device int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16, flags uint32, depend []unsafe.Pointer) {
	tk = taskOrTemp(tk)
	d := m.resolveDevice(tk, device)

	if depend != nil && tk.Scheduler != nil {
		if flags&TargetFlagNowait != 0 {
			t := &TargetTask{dev: d, hostAddrs: hostAddrs, sizes: sizes, kinds: kinds,
				flags: flags | TargetFlagUpdate, Depend: depend}
			if tk.Scheduler.Defer(t) {
				return
			}
		}
		if tk.Scheduler.Cancelled() {
			return
		}
		tk.Scheduler.WaitForDependencies(depend)
	}

	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		return
	}
	if tk.Scheduler != nil && tk.Scheduler.Cancelled() {
		return
	}
	d.update(len(hostAddrs), hostAddrs, sizes, extKinds(kinds))
}

// enterData maps each clause of an enter-data batch as its own persistent
// descriptor, grouping structure clauses with their fields.
func enterData(d *Device, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16) {
	for i := 0; i < len(hostAddrs); i++ {
		if int(kinds[i])&0xff == MapStruct {
			n := int(sizes[i]) + 1
			d.mapVars(n, hostAddrs[i:i+n], nil, sizes[i:i+n], extKinds(kinds[i:i+n]), pragmaEnterData)
			i += int(sizes[i])
		} else {
			d.mapVars(1, hostAddrs[i:i+1], nil, sizes[i:i+1], extKinds(kinds[i:i+1]), pragmaEnterData)
		}
	}
}

// TargetEnterExitData establishes persistent mappings, or, with
// TargetFlagExitData, ends them.
func (m *Manager) TargetEnterExitData(tk *Task, device int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16, flags uint32, depend []unsafe.Pointer) {
	tk = taskOrTemp(tk)
	d := m.resolveDevice(tk, device)

	if depend != nil && tk.Scheduler != nil {
		if flags&TargetFlagNowait != 0 {
			t := &TargetTask{dev: d, hostAddrs: hostAddrs, sizes: sizes, kinds: kinds,
				flags: flags, Depend: depend}
			if tk.Scheduler.Defer(t) {
				return
			}
		}
		if tk.Scheduler.Cancelled() {
			return
		}
		tk.Scheduler.WaitForDependencies(depend)
	}

	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		return
	}
	if tk.Scheduler != nil && tk.Scheduler.Cancelled() {
		return
	}

	if flags&TargetFlagExitData == 0 {
		enterData(d, hostAddrs, sizes, kinds)
	} else {
		d.exitData(len(hostAddrs), hostAddrs, sizes, extKinds(kinds))
	}
}

// MapVars maps a clause batch on the selected device and returns the
// descriptor, for embedders that drive asynchronous regions themselves.
// Release it with CopyFromAsync plus UnmapVars, or UnmapVars alone.
func (m *Manager) MapVars(tk *Task, device int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16) (*TargetMem, error) {
	d := m.resolveDevice(taskOrTemp(tk), device)
	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		return nil, unix.EINVAL
	}
	return d.mapVars(len(hostAddrs), hostAddrs, nil, sizes, extKinds(kinds), pragmaData), nil
}

// UnmapVars releases a descriptor. When doCopyfrom is true, FROM-kind
// clauses whose last reference drops copy back to the host.
func (m *Manager) UnmapVars(tgt *TargetMem, doCopyfrom bool) {
	if tgt == nil || tgt.dev == nil {
		return
	}
	tgt.dev.unmapVars(tgt, doCopyfrom)
}

// CopyFromAsync queues the descriptor's copy-backs and hands its reference
// counts to the async side; pair with a later UnmapVars(tgt, false) once the
// copies are known complete.
func (m *Manager) CopyFromAsync(tgt *TargetMem) {
	if tgt == nil || tgt.dev == nil {
		return
	}
	tgt.dev.copyFromAsync(tgt)
}
