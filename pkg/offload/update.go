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

// update refreshes mapped objects in place: host to device for COPY_TO
// kinds, device to host for COPY_FROM kinds. Updates never change reference
// counts. The mapped record must contain the full requested range.
func (d *Device) update(mapnum int, hostAddrs []unsafe.Pointer, sizes []uintptr, kinds mapKinds) {
	if d == nil || mapnum == 0 {
		return
	}
	typemask := kinds.typemask()

	d.mu.Lock()
	for i := 0; i < mapnum; i++ {
		if sizes[i] == 0 {
			continue
		}
		cur := rangemap.Range{Start: uintptr(hostAddrs[i]), End: uintptr(hostAddrs[i]) + sizes[i]}
		n, ok := d.lookup(cur)
		if !ok {
			continue
		}
		if n.hostStart > cur.Start || n.hostEnd < cur.End {
			d.mu.Unlock()
			d.fatalf("Trying to update [%#x..%#x) object when only [%#x..%#x) is mapped",
				cur.Start, cur.End, n.hostStart, n.hostEnd)
		}
		kind := kinds.get(i) & typemask
		devAddr := n.tgt.tgtStart + n.tgtOffset + (cur.Start - n.hostStart)
		if copyToP(kind) {
			d.plugin.Host2Dev(d.targetID, devAddr, hostAddrs[i], cur.Len())
		}
		if copyFromP(kind) {
			d.plugin.Dev2Host(d.targetID, hostAddrs[i], devAddr, cur.Len())
		}
	}
	d.mu.Unlock()
}
