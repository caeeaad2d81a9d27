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

	"github.com/goffload/goffload/pkg/rangemap"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// mapKey is one host interval currently materialized on a device: an entry
// in the device's interval index.
//
// The owning TargetMem holds the record storage; the index and the tgt
// back-reference are non-owning. A record is reachable from exactly one
// TargetMem.keys array.
type mapKey struct {
	// hostStart and hostEnd delimit the half-open host range. hostStart ==
	// hostEnd is the degenerate form used by pointer-base lookups.
	hostStart uintptr
	hostEnd   uintptr

	// tgtOffset is the record's offset inside tgt's device block (or the
	// absolute device address for image symbols and associated pointers,
	// whose descriptors have tgtStart == 0).
	tgtOffset uintptr

	// tgt is the descriptor owning this record.
	tgt *TargetMem

	// refs counts synchronous users. Image symbols and associated pointers
	// are pinned.
	refs refcount

	// asyncRefs counts in-flight asynchronous copy-backs holding the
	// record alive.
	asyncRefs uintptr
}

func (k *mapKey) hostRange() rangemap.Range {
	return rangemap.Range{Start: k.hostStart, End: k.hostEnd}
}

// argTag says how a clause slot without a mapping record materializes its
// kernel argument.
type argTag uint8

const (
	// argHostAddr passes the original host address through unchanged
	// (null addresses, firstprivate scalars passed by value, use_device_ptr
	// clauses already rewritten in place).
	argHostAddr argTag = iota
	// argZero passes a null device pointer (zero-length array section that
	// was never mapped).
	argZero
	// argFromSibling computes the address from the following struct
	// sibling's record using host-offset arithmetic.
	argFromSibling
	// argDeviceOffset passes tgtStart plus the recorded offset
	// (firstprivate staged into this batch's device block).
	argDeviceOffset
)

// targetVar is one clause slot of a TargetMem: enough state for unmapVars to
// reverse exactly what mapVars did.
type targetVar struct {
	// key is the mapping record backing the clause, or nil.
	key *mapKey

	copyFrom       bool
	alwaysCopyFrom bool

	// offset and length delimit the clause's sub-interval within key.
	offset uintptr
	length uintptr

	// arg drives argument materialization when key is nil.
	arg    argTag
	argOff uintptr
}

// TargetMem describes one map batch: the device block backing it (if any)
// and the mapping records it owns. Callers hold the descriptor for the
// duration of the region and hand it back to unmapVars.
type TargetMem struct {
	// tgtStart and tgtEnd delimit the aligned device block; toFree is the
	// unaligned base handed back to the device allocator.
	tgtStart uintptr
	tgtEnd   uintptr
	toFree   uintptr

	// keys owns the mapping records created for this batch. Capacity is
	// fixed before any record pointer escapes into the index, so the
	// backing array never moves.
	keys []mapKey

	// list has one slot per map clause.
	list []targetVar

	// refs counts live references to the descriptor: one per owned record
	// still mapped, plus the caller's own hold.
	refs refcount

	// prev stacks enclosing data regions on a task.
	prev *TargetMem

	dev *Device
}

// DeviceAddr returns the device address of the block backing the descriptor.
func (t *TargetMem) DeviceAddr() uintptr {
	return t.tgtStart
}

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// readHostPtr loads a pointer-sized value from a raw host address.
func readHostPtr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}
