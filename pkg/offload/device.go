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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/goffload/goffload/pkg/plugin"
	"github.com/goffload/goffload/pkg/rangemap"
)

// Device is one target device: a plugin function table, the device-local
// interval index, and the mutex protecting both.
//
// The mutex guards the index, the records reachable from it, the image
// lifecycle, and every plugin call that may read or write device state. When
// a fatal condition is detected mid-operation, the mutex is released before
// reporting.
type Device struct {
	mu sync.Mutex

	plugin   *plugin.Funcs
	name     string
	caps     uint32
	typ      plugin.TargetType
	targetID int

	initialized bool

	// mem maps host intervals to mapping records.
	mem *rangemap.Map[*mapKey]

	log *logrus.Logger
}

func newDevice(f *plugin.Funcs, targetID int, log *logrus.Logger) *Device {
	return &Device{
		plugin:   f,
		name:     f.GetName(),
		caps:     f.GetCaps(),
		typ:      f.GetType(),
		targetID: targetID,
		mem:      rangemap.New[*mapKey](),
		log:      log,
	}
}

// fatalf releases no locks itself; callers unlock first, then report.
func (d *Device) fatalf(format string, args ...any) {
	fatalf(d.log, format, args...)
}

// finiDevice shuts the device down. d.mu must be held.
func (d *Device) finiDevice() {
	if d.initialized {
		d.plugin.FiniDevice(d.targetID)
	}
	d.initialized = false
}

// freeMemmap drains the device's interval index, dropping every mapping
// record. d.mu must be held.
func (d *Device) freeMemmap() {
	for {
		r, _, ok := d.mem.First()
		if !ok {
			return
		}
		d.mem.Remove(r)
	}
}

// lookup finds the record overlapping r.
func (d *Device) lookup(r rangemap.Range) (*mapKey, bool) {
	return d.mem.Lookup(r)
}

// mapLookup is the overlap-aware form used for pointer bases: degenerate
// queries also probe one byte to the right and one byte to the left, so
// "one past the end" pointers produced by array-section arithmetic recover
// their mapping.
func (d *Device) mapLookup(r rangemap.Range) (*mapKey, bool) {
	return d.mem.LookupExtended(r)
}
