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
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/goffload/goffload/pkg/plugin"
	"github.com/goffload/goffload/pkg/plugin/hostplug"
	"github.com/goffload/goffload/pkg/rangemap"
)

var testPlugSeq atomic.Int64

// newTestManager builds a manager backed by a fresh host-memory device, so
// each test observes its own allocation counts.
func newTestManager(t *testing.T) (*Manager, *hostplug.Plug) {
	t.Helper()
	name := fmt.Sprintf("testdev%d", testPlugSeq.Add(1))
	plug := hostplug.New(1)
	plugin.Register(name, plug.Funcs())
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewManager(Options{Targets: name, Logger: log}), plug
}

// registerKernel publishes kern as an offload image function and returns
// the Kernel handle driving it. The anchor outlives the test through the
// returned Kernel.
func registerKernel(t *testing.T, m *Manager, fn func(args unsafe.Pointer)) *Kernel {
	t.Helper()
	anchor := new(int64)
	addr := uintptr(unsafe.Pointer(anchor))
	table := &HostTable{Funcs: []uintptr{addr}}
	img := &hostplug.Image{Kernels: []func(unsafe.Pointer){fn}}
	m.OffloadRegister(plugin.VersionPack(plugin.Version, 0), table, plugin.TypeHost, img)
	k := &Kernel{Addr: addr}
	t.Cleanup(func() {
		m.OffloadUnregister(plugin.VersionPack(plugin.Version, 0), table, plugin.TypeHost, img)
		_ = anchor
	})
	return k
}

// deviceOf returns the initialized device 0 of m.
func deviceOf(t *testing.T, m *Manager) *Device {
	t.Helper()
	d := m.resolveDevice(nil, 0)
	if d == nil {
		t.Fatal("no offload device available")
	}
	return d
}

// mappingOf returns the record covering the given host range.
func mappingOf(t *testing.T, d *Device, start unsafe.Pointer, size uintptr) *mapKey {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.lookup(rangemap.Range{Start: uintptr(start), End: uintptr(start) + size})
	if !ok {
		t.Fatalf("no mapping for [%p..%#x)", start, uintptr(start)+size)
	}
	return k
}

// deviceBytes reads n device bytes at the record's translation of start.
func deviceBytes(t *testing.T, d *Device, k *mapKey, start unsafe.Pointer, n uintptr) []byte {
	t.Helper()
	devAddr := k.tgt.tgtStart + k.tgtOffset + (uintptr(start) - k.hostStart)
	out := make([]byte, n)
	d.mu.Lock()
	d.plugin.Dev2Host(d.targetID, unsafe.Pointer(&out[0]), devAddr, n)
	d.mu.Unlock()
	return out
}

// pokeDevice overwrites n device bytes at the record's translation of start.
func pokeDevice(t *testing.T, d *Device, k *mapKey, start unsafe.Pointer, b []byte) {
	t.Helper()
	devAddr := k.tgt.tgtStart + k.tgtOffset + (uintptr(start) - k.hostStart)
	d.mu.Lock()
	d.plugin.Host2Dev(d.targetID, devAddr, unsafe.Pointer(&b[0]), uintptr(len(b)))
	d.mu.Unlock()
}

func indexLen(d *Device) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mem.Len()
}

// wantFatal runs fn and checks that it raises a FatalError with no device
// lock left held.
func wantFatal(t *testing.T, d *Device, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal mapping error")
		}
		if _, ok := r.(*FatalError); !ok {
			panic(r)
		}
		if !d.mu.TryLock() {
			t.Error("device lock still held after fatal report")
			return
		}
		d.mu.Unlock()
	}()
	fn()
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}
