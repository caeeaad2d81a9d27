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

// mapPragma distinguishes the three batch flavors the map engine serves.
type mapPragma int

const (
	// pragmaTarget maps a batch for a compute launch; the device block
	// starts with the kernel argument array.
	pragmaTarget mapPragma = iota
	// pragmaData maps a batch stacked on the task's data-region list.
	pragmaData
	// pragmaEnterData maps a batch that persists until a matching exit.
	pragmaEnterData
)

// mapVarsExisting accounts a clause against an already-mapped record oldn.
// FORCE-kind clauses and host ranges not contained in oldn are contract
// violations. d.mu must be held; on the fatal paths it is released first.
func (d *Device) mapVarsExisting(oldn *mapKey, newr rangemap.Range, tv *targetVar, kind int) {
	tv.key = oldn
	tv.copyFrom = copyFromP(kind)
	tv.alwaysCopyFrom = alwaysFromP(kind)
	tv.offset = newr.Start - oldn.hostStart
	tv.length = newr.Len()

	if kind&kindFlagForce != 0 || oldn.hostStart > newr.Start || oldn.hostEnd < newr.End {
		d.mu.Unlock()
		d.fatalf("Trying to map into device [%#x..%#x) object when [%#x..%#x) is already mapped",
			newr.Start, newr.End, oldn.hostStart, oldn.hostEnd)
	}
	if alwaysToP(kind) {
		d.plugin.Host2Dev(d.targetID,
			oldn.tgt.tgtStart+oldn.tgtOffset+(newr.Start-oldn.hostStart),
			unsafe.Pointer(newr.Start), newr.Len())
	}
	oldn.refs.inc()
}

// mapPointer writes the device translation of the host pointer value at
// hostPtr into the device block at targetOffset. bias is the array-section
// bias the compiler folded into the pointer.
func (d *Device) mapPointer(tgt *TargetMem, hostPtr, targetOffset, bias uintptr) {
	if hostPtr == 0 {
		var devNull uintptr
		d.plugin.Host2Dev(d.targetID, tgt.tgtStart+targetOffset,
			unsafe.Pointer(&devNull), ptrSize)
		return
	}
	p := hostPtr + bias
	n, ok := d.mapLookup(rangemap.Range{Start: p, End: p})
	if !ok {
		d.mu.Unlock()
		d.fatalf("Pointer target of array section wasn't mapped")
	}
	// Device address of the section, minus the bias the target code adds
	// back when it dereferences the pointer.
	dev := n.tgt.tgtStart + n.tgtOffset + (p - n.hostStart) - bias
	d.plugin.Host2Dev(d.targetID, tgt.tgtStart+targetOffset,
		unsafe.Pointer(&dev), ptrSize)
}

// mapFieldsExisting accounts clause i, a field of a structure whose
// enclosing interval is already mapped as n. Each field must share n's
// descriptor and offset relation; zero-sized fields retry widened one byte
// left, then right, to catch end-of-struct sections.
func (d *Device) mapFieldsExisting(tgt *TargetMem, n *mapKey, first, i int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds mapKinds) {
	kind := kinds.get(i) & kinds.typemask()
	r := rangemap.Range{Start: uintptr(hostAddrs[i]), End: uintptr(hostAddrs[i]) + sizes[i]}
	sameOwner := func(n2 *mapKey) bool {
		return n2.tgt == n.tgt && n2.hostStart-n.hostStart == n2.tgtOffset-n.tgtOffset
	}

	if n2, ok := d.lookup(r); ok && sameOwner(n2) {
		d.mapVarsExisting(n2, r, &tgt.list[i], kind)
		return
	}
	if sizes[i] == 0 {
		if r.Start > uintptr(hostAddrs[first-1]) {
			if n2, ok := d.lookup(rangemap.Range{Start: r.Start - 1, End: r.End}); ok && sameOwner(n2) {
				d.mapVarsExisting(n2, r, &tgt.list[i], kind)
				return
			}
		}
		if n2, ok := d.lookup(rangemap.Range{Start: r.Start, End: r.End + 1}); ok && sameOwner(n2) {
			d.mapVarsExisting(n2, r, &tgt.list[i], kind)
			return
		}
	}
	d.mu.Unlock()
	d.fatalf("Trying to map into device [%#x..%#x) structure element when "+
		"other mapped elements from the same structure weren't mapped together with it",
		r.Start, r.End)
}

// mapVars translates one batch of map clauses into device allocations,
// transfers and index insertions, returning the descriptor the caller holds
// for the duration of the region. devAddrs, when non-nil, supplies
// preallocated device memory for a single-clause batch. For pragmaEnterData
// batches that were already fully mapped, mapVars returns nil.
func (d *Device) mapVars(mapnum int, hostAddrs []unsafe.Pointer, devAddrs []uintptr, sizes []uintptr, kinds mapKinds, pragma mapPragma) *TargetMem {
	tgt := &TargetMem{list: make([]targetVar, mapnum), dev: d}
	if pragma == pragmaEnterData {
		tgt.refs = counted(0)
	} else {
		tgt.refs = counted(1)
	}
	if mapnum == 0 {
		return tgt
	}

	tgtAlign := ptrSize
	tgtSize := uintptr(0)
	if pragma == pragmaTarget {
		// The argument array leads the block.
		tgtAlign = 4 * ptrSize
		tgtSize = uintptr(mapnum) * ptrSize
	}
	rshift := kinds.rshift()
	typemask := kinds.typemask()
	notFound := 0
	hasFirstprivate := false

	d.mu.Lock()

	// Pass 1: classify each clause against the index and size the device
	// block.
	for i := 0; i < mapnum; i++ {
		kind := kinds.get(i)
		op := kind & typemask
		if hostAddrs[i] == nil || op == MapFirstprivateInt {
			tgt.list[i] = targetVar{arg: argHostAddr}
			continue
		}
		if op == MapUseDevicePtr {
			p := uintptr(hostAddrs[i])
			n, ok := d.mapLookup(rangemap.Range{Start: p, End: p})
			if !ok {
				d.mu.Unlock()
				d.fatalf("use_device_ptr pointer wasn't mapped")
			}
			hostAddrs[i] = unsafe.Pointer(n.tgt.tgtStart + n.tgtOffset + (p - n.hostStart))
			tgt.list[i] = targetVar{arg: argHostAddr}
			continue
		}
		if op == MapStruct {
			first := i + 1
			last := i + int(sizes[i])
			r := rangemap.Range{Start: uintptr(hostAddrs[i]), End: uintptr(hostAddrs[last]) + sizes[last]}
			tgt.list[i] = targetVar{arg: argFromSibling}
			n, ok := d.lookup(r)
			if !ok {
				align := uintptr(1) << (uint(kind) >> rshift)
				if tgtAlign < align {
					tgtAlign = align
				}
				// Reserve space for the whole structure, aligned at the
				// structure base rather than the first field.
				tgtSize -= uintptr(hostAddrs[first]) - uintptr(hostAddrs[i])
				tgtSize = alignUp(tgtSize, align)
				tgtSize += r.End - uintptr(hostAddrs[i])
				notFound += last - i
				for i = first; i <= last; i++ {
					tgt.list[i] = targetVar{}
				}
				i--
				continue
			}
			for i = first; i <= last; i++ {
				d.mapFieldsExisting(tgt, n, first, i, hostAddrs, sizes, kinds)
			}
			i--
			continue
		}
		cur := rangemap.Range{Start: uintptr(hostAddrs[i])}
		if pointerP(op) {
			cur.End = cur.Start + ptrSize
		} else {
			cur.End = cur.Start + sizes[i]
		}
		if op == MapFirstprivate {
			tgt.list[i] = targetVar{}
			align := uintptr(1) << (uint(kind) >> rshift)
			if tgtAlign < align {
				tgtAlign = align
			}
			tgtSize = alignUp(tgtSize, align)
			tgtSize += cur.Len()
			hasFirstprivate = true
			continue
		}
		var n *mapKey
		var ok bool
		if op == MapZeroLenArraySection {
			n, ok = d.mapLookup(cur)
			if !ok {
				tgt.list[i] = targetVar{arg: argZero}
				continue
			}
		} else {
			n, ok = d.lookup(cur)
		}
		if ok {
			d.mapVarsExisting(n, cur, &tgt.list[i], op)
			continue
		}
		tgt.list[i] = targetVar{}
		align := uintptr(1) << (uint(kind) >> rshift)
		notFound++
		if tgtAlign < align {
			tgtAlign = align
		}
		tgtSize = alignUp(tgtSize, align)
		tgtSize += cur.Len()
		if op == MapToPset {
			// Trailing pointer clauses aimed inside the set piggy-back on
			// its record in pass 2.
			for j := i + 1; j < mapnum; j++ {
				if !pointerP(kinds.get(j) & typemask) {
					break
				}
				pj := uintptr(hostAddrs[j])
				if pj < cur.Start || pj+ptrSize > cur.End {
					break
				}
				tgt.list[j] = targetVar{}
				i++
			}
		}
	}

	switch {
	case devAddrs != nil:
		if mapnum != 1 {
			d.mu.Unlock()
			d.fatalf("unexpected aggregation")
		}
		tgt.toFree = devAddrs[0]
		tgt.tgtStart = devAddrs[0]
		tgt.tgtEnd = tgt.tgtStart + sizes[0]
	case notFound > 0 || pragma == pragmaTarget:
		tgt.toFree = d.plugin.Alloc(d.targetID, tgtSize+tgtAlign-1)
		tgt.tgtStart = alignUp(tgt.toFree, tgtAlign)
		tgt.tgtEnd = tgt.tgtStart + tgtSize
	}

	tgtSize = 0
	if pragma == pragmaTarget {
		tgtSize = uintptr(mapnum) * ptrSize
	}

	// Pass 2: materialize every clause the first pass left without a
	// record.
	if notFound > 0 || hasFirstprivate {
		if notFound > 0 {
			// Capacity is fixed here; record pointers handed to the index
			// stay valid for the descriptor's lifetime.
			tgt.keys = make([]mapKey, 0, notFound)
		}
		fieldTgtClear := -1
		var fieldTgtBase, fieldTgtOffset uintptr

		for i := 0; i < mapnum; i++ {
			if tgt.list[i].key != nil || hostAddrs[i] == nil {
				continue
			}
			kind := kinds.get(i)
			op := kind & typemask
			switch op {
			case MapFirstprivate:
				align := uintptr(1) << (uint(kind) >> rshift)
				tgtSize = alignUp(tgtSize, align)
				tgt.list[i].arg = argDeviceOffset
				tgt.list[i].argOff = tgtSize
				d.plugin.Host2Dev(d.targetID, tgt.tgtStart+tgtSize, hostAddrs[i], sizes[i])
				tgtSize += sizes[i]
				continue
			case MapFirstprivateInt, MapUseDevicePtr, MapZeroLenArraySection:
				continue
			case MapStruct:
				first := i + 1
				last := i + int(sizes[i])
				r := rangemap.Range{Start: uintptr(hostAddrs[i]), End: uintptr(hostAddrs[last]) + sizes[last]}
				if tgt.list[first].key != nil {
					continue
				}
				n, ok := d.lookup(r)
				if !ok {
					align := uintptr(1) << (uint(kind) >> rshift)
					gap := uintptr(hostAddrs[first]) - uintptr(hostAddrs[i])
					tgtSize -= gap
					tgtSize = alignUp(tgtSize, align)
					tgtSize += gap
					fieldTgtBase = uintptr(hostAddrs[first])
					fieldTgtOffset = tgtSize
					fieldTgtClear = last
					tgtSize += r.End - uintptr(hostAddrs[first])
					continue
				}
				for i = first; i <= last; i++ {
					d.mapFieldsExisting(tgt, n, first, i, hostAddrs, sizes, kinds)
				}
				i--
				continue
			}

			r := rangemap.Range{Start: uintptr(hostAddrs[i])}
			if pointerP(op) {
				r.End = r.Start + ptrSize
			} else {
				r.End = r.Start + sizes[i]
			}
			if n, ok := d.lookup(r); ok {
				// Mapped since pass 1 by an earlier clause of this batch.
				d.mapVarsExisting(n, r, &tgt.list[i], op)
				continue
			}

			align := uintptr(1) << (uint(kind) >> rshift)
			tgt.keys = append(tgt.keys, mapKey{
				hostStart: r.Start,
				hostEnd:   r.End,
				tgt:       tgt,
				refs:      counted(1),
			})
			k := &tgt.keys[len(tgt.keys)-1]
			tgt.list[i].key = k
			if fieldTgtClear != -1 {
				// Structure fields share one base; device offsets follow
				// host offsets.
				k.tgtOffset = k.hostStart - fieldTgtBase + fieldTgtOffset
				if i == fieldTgtClear {
					fieldTgtClear = -1
				}
			} else {
				tgtSize = alignUp(tgtSize, align)
				k.tgtOffset = tgtSize
				tgtSize += r.Len()
			}
			tgt.list[i].copyFrom = copyFromP(op)
			tgt.list[i].alwaysCopyFrom = alwaysFromP(op)
			tgt.list[i].offset = 0
			tgt.list[i].length = r.Len()
			tgt.refs.inc()
			d.mem.Insert(r, k)

			switch op {
			case MapAlloc, MapFrom, MapForceAlloc, MapForceFrom, MapAlwaysFrom:
			case MapTo, MapTofrom, MapForceTo, MapForceTofrom, MapAlwaysTo, MapAlwaysTofrom:
				d.plugin.Host2Dev(d.targetID, tgt.tgtStart+k.tgtOffset,
					unsafe.Pointer(k.hostStart), r.Len())
			case MapPointer:
				d.mapPointer(tgt, readHostPtr(k.hostStart), k.tgtOffset, sizes[i])
			case MapToPset:
				d.plugin.Host2Dev(d.targetID, tgt.tgtStart+k.tgtOffset,
					unsafe.Pointer(k.hostStart), r.Len())
				for j := i + 1; j < mapnum; j++ {
					if !pointerP(kinds.get(j) & typemask) {
						break
					}
					pj := uintptr(hostAddrs[j])
					if pj < k.hostStart || pj+ptrSize > k.hostEnd {
						break
					}
					tgt.list[j].key = k
					tgt.list[j].copyFrom = false
					tgt.list[j].alwaysCopyFrom = false
					k.refs.inc()
					d.mapPointer(tgt, readHostPtr(pj), k.tgtOffset+(pj-k.hostStart), sizes[j])
					i++
				}
			case MapForcePresent:
				size := r.Len()
				d.mu.Unlock()
				d.fatalf("present clause: %#x (%d bytes) is not present on the device",
					r.Start, size)
			case MapForceDeviceptr:
				d.plugin.Host2Dev(d.targetID, tgt.tgtStart+k.tgtOffset,
					unsafe.Pointer(k.hostStart), ptrSize)
			default:
				d.mu.Unlock()
				d.fatalf("mapVars: unhandled kind 0x%.2x", kind)
			}
		}
	}

	if pragma == pragmaTarget {
		// Materialize the kernel argument array at the head of the block.
		for i := 0; i < mapnum; i++ {
			var devAddr uintptr
			if tv := &tgt.list[i]; tv.key != nil {
				devAddr = tv.key.tgt.tgtStart + tv.key.tgtOffset + tv.offset
			} else {
				switch tv.arg {
				case argHostAddr:
					devAddr = uintptr(hostAddrs[i])
				case argZero:
					devAddr = 0
				case argFromSibling:
					sib := &tgt.list[i+1]
					devAddr = sib.key.tgt.tgtStart + sib.key.tgtOffset + sib.offset +
						uintptr(hostAddrs[i]) - uintptr(hostAddrs[i+1])
				case argDeviceOffset:
					devAddr = tgt.tgtStart + tv.argOff
				}
			}
			d.plugin.Host2Dev(d.targetID, tgt.tgtStart+uintptr(i)*ptrSize,
				unsafe.Pointer(&devAddr), ptrSize)
		}
	}

	// An enter-data batch that was already fully mapped needs no
	// descriptor; the exit engine works from the index alone.
	if pragma == pragmaEnterData && tgt.refs.dead() {
		tgt = nil
	}

	d.mu.Unlock()
	return tgt
}
