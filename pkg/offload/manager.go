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

// Package offload implements the host-side target memory manager of the
// offload runtime: translation of host memory ranges into device memory
// ranges, reference-counted mappings shared by nested regions, transfers
// between host and device, and dispatch of target execution through device
// plugins.
package offload

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/goffload/goffload/pkg/plugin"
)

// DefaultTargets is the compiled-in target list tried when Options.Targets
// is empty.
const DefaultTargets = "host"

// Options configures a Manager.
type Options struct {
	// Targets is a comma-separated list of plugin names to load.
	Targets string

	// PluginDir is the directory searched for shared-object plugins.
	PluginDir string

	// Logger receives warnings and fatal reports. Defaults to the logrus
	// standard logger.
	Logger *logrus.Logger

	// ACCRegister, when set, receives every accelerator-capable device at
	// discovery so a vendor accelerator runtime can adopt it.
	ACCRegister func(DeviceInfo)
}

// Manager owns the process's offload state: the device registry, the pending
// offload images, and the lock serializing image registration. Device
// discovery runs once, on first use.
type Manager struct {
	opts Options
	log  *logrus.Logger

	initOnce sync.Once

	// registerMu serializes image registration across devices. It is
	// always acquired before any device lock and released last.
	registerMu sync.Mutex

	devices   []*Device
	numOpenMP int

	// images holds every registered offload image so devices initialized
	// later still load them.
	images []imageDescr
}

// NewManager returns a Manager. Plugin discovery is deferred to the first
// operation that needs a device.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{opts: opts, log: log}
}

// discover loads every plugin named by the target list and builds the device
// array, OpenMP-capable devices first. Load failures are logged and skipped;
// discovery never terminates the process.
func (m *Manager) discover() {
	targets := m.opts.Targets
	if targets == "" {
		targets = DefaultTargets
	}
	var devs []*Device
	for _, name := range strings.Split(targets, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		funcs, err := plugin.Open(m.opts.PluginDir, name)
		if err != nil {
			m.log.Warningf("offload: %v", err)
			continue
		}
		n := funcs.GetNumDevices()
		for i := 0; i < n; i++ {
			devs = append(devs, newDevice(funcs, i, m.log))
		}
	}

	// Only the OpenMP-capable prefix is addressable by device number.
	sorted := make([]*Device, 0, len(devs))
	for _, d := range devs {
		if d.caps&plugin.CapOpenMP400 != 0 {
			sorted = append(sorted, d)
		}
	}
	m.numOpenMP = len(sorted)
	for _, d := range devs {
		if d.caps&plugin.CapOpenMP400 == 0 {
			sorted = append(sorted, d)
		}
	}
	m.devices = sorted

	if m.opts.ACCRegister != nil {
		for _, d := range m.devices {
			if d.caps&plugin.CapOpenACC200 != 0 {
				m.opts.ACCRegister(DeviceInfo{Name: d.name, Type: d.typ, Caps: d.caps})
			}
		}
	}
}

func (m *Manager) initTargetsOnce() {
	m.initOnce.Do(m.discover)
}

// NumDevices returns the number of offload-capable devices.
func (m *Manager) NumDevices() int {
	m.initTargetsOnce()
	return m.numOpenMP
}

// resolveDevice maps a device identifier to an initialized descriptor, or
// nil when the caller should fall back to host execution.
func (m *Manager) resolveDevice(tk *Task, id int) *Device {
	m.initTargetsOnce()
	if id == DeviceICV && tk != nil {
		id = tk.ICV.DefaultDevice
	}
	if id < 0 || id >= m.numOpenMP {
		return nil
	}
	d := m.devices[id]

	d.mu.Lock()
	inited := d.initialized
	d.mu.Unlock()
	if inited {
		return d
	}

	// Initialization reads the pending image list, so take the
	// registration lock first to respect the lock order.
	m.registerMu.Lock()
	d.mu.Lock()
	if !d.initialized {
		m.initDevice(d)
	}
	d.mu.Unlock()
	m.registerMu.Unlock()
	return d
}

// initDevice initializes d and loads every pending image of its target
// type. Both m.registerMu and d.mu must be held.
func (m *Manager) initDevice(d *Device) {
	d.plugin.InitDevice(d.targetID)
	for i := range m.images {
		img := &m.images[i]
		if img.typ == d.typ {
			m.loadImageToDevice(d, img.version, img.table, img.data, true)
		}
	}
	d.initialized = true
}

// unloadDevice unloads every registered image from d. Both m.registerMu and
// d.mu must be held.
func (m *Manager) unloadDevice(d *Device) {
	if !d.initialized {
		return
	}
	for i := range m.images {
		img := &m.images[i]
		if img.typ == d.typ {
			m.unloadImageFromDevice(d, img.version, img.table, img.data)
		}
	}
}

// DeviceInfo describes one device for inspection tools.
type DeviceInfo struct {
	Name        string
	Type        plugin.TargetType
	Caps        uint32
	Initialized bool
}

// Info returns the descriptor of device i.
func (m *Manager) Info(i int) (DeviceInfo, error) {
	if i < 0 || i >= m.NumDevices() {
		return DeviceInfo{}, unix.EINVAL
	}
	d := m.devices[i]
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceInfo{Name: d.name, Type: d.typ, Caps: d.caps, Initialized: d.initialized}, nil
}

// EnsureDevice initializes device i if it is not yet initialized.
func (m *Manager) EnsureDevice(i int) error {
	if i < 0 || i >= m.NumDevices() {
		return unix.EINVAL
	}
	if m.resolveDevice(nil, i) == nil {
		return unix.EINVAL
	}
	return nil
}

// Shutdown unloads every image, drains every device's address map and shuts
// the devices down. The manager must not be used afterwards.
func (m *Manager) Shutdown() {
	m.initTargetsOnce()
	m.registerMu.Lock()
	defer m.registerMu.Unlock()
	for _, d := range m.devices {
		d.mu.Lock()
		m.unloadDevice(d)
		d.freeMemmap()
		d.finiDevice()
		d.mu.Unlock()
	}
}
