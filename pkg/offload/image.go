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
	"github.com/goffload/goffload/pkg/plugin"
	"github.com/goffload/goffload/pkg/rangemap"
)

// HostVar is one host-side variable of an offload image.
type HostVar struct {
	Addr uintptr
	Size uintptr
}

// HostTable is the host-side symbol table of an offload image: function
// anchors (one address each) and variables (address and byte size). The host
// and device compilers emit both sides in the same order, which is what lets
// the loader pair entries positionally.
type HostTable struct {
	Funcs []uintptr
	Vars  []HostVar
}

// imageDescr persists a registered offload image so devices initialized
// later can still load it.
type imageDescr struct {
	version uint32
	typ     plugin.TargetType
	table   *HostTable
	data    any
}

// OffloadRegister registers an offload image: it is loaded immediately on
// every already-initialized device of matching target type and remembered
// for devices initialized later. Compiled objects call this while loading.
func (m *Manager) OffloadRegister(version uint32, table *HostTable, typ plugin.TargetType, data any) {
	if plugin.VersionLib(version) > plugin.Version {
		fatalf(m.log, "Library too old for offload (version %d < %d)",
			plugin.Version, plugin.VersionLib(version))
	}

	m.registerMu.Lock()
	for _, d := range m.devices {
		d.mu.Lock()
		if d.typ == typ && d.initialized {
			m.loadImageToDevice(d, version, table, data, true)
		}
		d.mu.Unlock()
	}
	m.images = append(m.images, imageDescr{version: version, typ: typ, table: table, data: data})
	m.registerMu.Unlock()
}

// OffloadUnregister reverses OffloadRegister.
func (m *Manager) OffloadUnregister(version uint32, table *HostTable, typ plugin.TargetType, data any) {
	m.registerMu.Lock()
	for _, d := range m.devices {
		d.mu.Lock()
		if d.typ == typ && d.initialized {
			m.unloadImageFromDevice(d, version, table, data)
		}
		d.mu.Unlock()
	}
	for i := range m.images {
		if m.images[i].data == data {
			m.images[i] = m.images[len(m.images)-1]
			m.images = m.images[:len(m.images)-1]
			break
		}
	}
	m.registerMu.Unlock()
}

// loadImageToDevice asks the plugin for the image's device address table and
// inserts one pinned record per symbol into d's index. d.mu must be held;
// isRegisterLock says whether m.registerMu is held too, so a fatal report
// can release both.
func (m *Manager) loadImageToDevice(d *Device, version uint32, table *HostTable, data any, isRegisterLock bool) {
	pairs := d.plugin.LoadImage(d.targetID, version, data)

	numFuncs := len(table.Funcs)
	numVars := len(table.Vars)
	if len(pairs) != numFuncs+numVars {
		d.mu.Unlock()
		if isRegisterLock {
			m.registerMu.Unlock()
		}
		d.fatalf("Cannot map target functions or variables (expected %d, have %d)",
			numFuncs+numVars, len(pairs))
	}

	// One synthetic pinned descriptor owns every record; it has no device
	// block of its own, so tgtOffset holds absolute device addresses.
	tgt := &TargetMem{
		refs: pinnedRef(),
		dev:  d,
		keys: make([]mapKey, 0, numFuncs+numVars),
	}

	for i, addr := range table.Funcs {
		tgt.keys = append(tgt.keys, mapKey{
			hostStart: addr,
			hostEnd:   addr + 1,
			tgtOffset: pairs[i].Start,
			tgt:       tgt,
			refs:      pinnedRef(),
		})
		k := &tgt.keys[len(tgt.keys)-1]
		d.mem.Insert(k.hostRange(), k)
	}

	for i, v := range table.Vars {
		pair := pairs[numFuncs+i]
		if pair.End-pair.Start != v.Size {
			d.mu.Unlock()
			if isRegisterLock {
				m.registerMu.Unlock()
			}
			d.fatalf("Can't map target variables (size mismatch)")
		}
		tgt.keys = append(tgt.keys, mapKey{
			hostStart: v.Addr,
			hostEnd:   v.Addr + v.Size,
			tgtOffset: pair.Start,
			tgt:       tgt,
			refs:      pinnedRef(),
		})
		k := &tgt.keys[len(tgt.keys)-1]
		d.mem.Insert(k.hostRange(), k)
	}
}

// unloadImageFromDevice removes the image's records from d's index and asks
// the plugin to drop the device payload. d.mu must be held.
func (m *Manager) unloadImageFromDevice(d *Device, version uint32, table *HostTable, data any) {
	d.plugin.UnloadImage(d.targetID, version, data)

	for _, addr := range table.Funcs {
		d.mem.Remove(rangemap.Range{Start: addr, End: addr + 1})
	}
	for _, v := range table.Vars {
		d.mem.Remove(rangemap.Range{Start: v.Addr, End: v.Addr + v.Size})
	}
}
