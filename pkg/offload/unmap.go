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

// unmapTgt releases the device block backing tgt and its record storage.
// Called with the owning device's lock held, once no live record refers to
// the descriptor.
func unmapTgt(tgt *TargetMem) {
	if tgt.tgtEnd != 0 {
		tgt.dev.plugin.Free(tgt.dev.targetID, tgt.toFree)
	}
	tgt.keys = nil
}

// releaseTgtRef drops one descriptor reference, freeing the descriptor when
// it was the last. The device lock must be held.
func releaseTgtRef(tgt *TargetMem) {
	if tgt.refs.pinned || tgt.refs.n > 1 {
		tgt.refs.dec()
		return
	}
	unmapTgt(tgt)
}

// copyFromAsync queues device to host copy-backs for tgt's records and hands
// each record's synchronous count over to its async count, so the mappings
// stay alive until a later unmapVars observes the copies complete. The copy
// itself is only issued for records whose last synchronous count moved; a
// record still held by an enclosing region copies back when that region
// ends. Pinned records are untouched.
func (d *Device) copyFromAsync(tgt *TargetMem) {
	d.mu.Lock()
	for i := range tgt.list {
		k := tgt.list[i].key
		if k == nil || k.refs.pinned {
			continue
		}
		k.refs.dec()
		k.asyncRefs++
		if k.refs.dead() && tgt.list[i].copyFrom {
			d.plugin.Dev2Host(d.targetID, unsafe.Pointer(k.hostStart),
				k.tgt.tgtStart+k.tgtOffset, k.hostEnd-k.hostStart)
		}
	}
	d.mu.Unlock()
}

// unmapVars releases the mappings of tgt. When doCopyfrom is true, records
// whose last reference this call drops copy their bytes back to the host;
// callers that already queued the copies through copyFromAsync pass false,
// and this call only retires the async counts and deallocates.
func (d *Device) unmapVars(tgt *TargetMem, doCopyfrom bool) {
	if len(tgt.list) == 0 {
		return
	}

	d.mu.Lock()
	for i := range tgt.list {
		k := tgt.list[i].key
		if k == nil {
			continue
		}

		doUnmap := false
		switch {
		case k.refs.pinned:
		case k.refs.n > 1:
			k.refs.dec()
		case k.refs.n == 1:
			if k.asyncRefs > 0 {
				// Another holder's in-flight copy-back; consume it and
				// leave the mapping to them.
				k.asyncRefs--
			} else {
				k.refs.dec()
				doUnmap = true
			}
		default:
			// The synchronous count was handed off to an async copy-back;
			// this call is its completion.
			if k.asyncRefs > 0 {
				k.asyncRefs--
				if k.asyncRefs == 0 {
					doUnmap = true
				}
			}
		}

		if (doUnmap && doCopyfrom && tgt.list[i].copyFrom) || tgt.list[i].alwaysCopyFrom {
			d.plugin.Dev2Host(d.targetID,
				unsafe.Pointer(k.hostStart+tgt.list[i].offset),
				k.tgt.tgtStart+k.tgtOffset+tgt.list[i].offset,
				tgt.list[i].length)
		}
		if doUnmap {
			d.mem.Remove(k.hostRange())
			releaseTgtRef(k.tgt)
		}
	}

	releaseTgtRef(tgt)
	d.mu.Unlock()
}
