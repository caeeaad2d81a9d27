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

// exitData ends persistent mappings established by enter-data batches:
// reference counts drop, DELETE kinds force them to zero, FROM kinds copy
// back when the last reference goes, and dead records cascade out of the
// index. Pinned records survive any number of exits.
func (d *Device) exitData(mapnum int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds mapKinds) {
	typemask := kinds.typemask()

	d.mu.Lock()
	for i := 0; i < mapnum; i++ {
		kind := kinds.get(i) & typemask
		switch kind {
		case MapFrom, MapAlwaysFrom, MapDelete, MapRelease,
			MapZeroLenArraySection, MapDeleteZeroLenArraySection:
		default:
			d.mu.Unlock()
			d.fatalf("TargetEnterExitData unhandled kind 0x%.2x", kind)
		}

		cur := rangemap.Range{Start: uintptr(hostAddrs[i]), End: uintptr(hostAddrs[i]) + sizes[i]}
		var k *mapKey
		var ok bool
		if kind == MapZeroLenArraySection || kind == MapDeleteZeroLenArraySection {
			k, ok = d.mapLookup(cur)
		} else {
			k, ok = d.lookup(cur)
		}
		if !ok {
			continue
		}

		if k.refs.n > 0 {
			k.refs.dec()
		}
		if kind == MapDelete || kind == MapDeleteZeroLenArraySection {
			k.refs.setZero()
		}
		if (kind == MapFrom && k.refs.dead()) || kind == MapAlwaysFrom {
			d.plugin.Dev2Host(d.targetID, unsafe.Pointer(cur.Start),
				k.tgt.tgtStart+k.tgtOffset+(cur.Start-k.hostStart), cur.Len())
		}
		if k.refs.dead() {
			d.mem.Remove(k.hostRange())
			releaseTgtRef(k.tgt)
		}
	}
	d.mu.Unlock()
}
