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
	"math"
	"math/bits"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/goffload/goffload/pkg/plugin"
	"github.com/goffload/goffload/pkg/rangemap"
)

// MemcpyRectMaxDims is returned by TargetMemcpyRect when both addresses are
// nil: the maximum rectangle dimensionality the implementation supports.
const MemcpyRectMaxDims = math.MaxInt32

// hostHeap backs DeviceHostFallback allocations with raw, freeable host
// pages, so addresses survive independent of Go object lifetimes.
type hostHeap struct {
	mu sync.Mutex
	m  map[uintptr][]byte
}

var fallbackHeap = hostHeap{m: map[uintptr][]byte{}}

func (h *hostHeap) alloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	h.mu.Lock()
	h.m[addr] = b
	h.mu.Unlock()
	return addr
}

func (h *hostHeap) free(addr uintptr) {
	h.mu.Lock()
	b, ok := h.m[addr]
	delete(h.m, addr)
	h.mu.Unlock()
	if ok {
		unix.Munmap(b)
	}
}

func memmoveHost(dst, src uintptr, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
}

func mulOverflow(a, b uintptr) (uintptr, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || uint64(uintptr(lo)) != lo {
		return 0, true
	}
	return uintptr(lo), false
}

// memcpyDevice resolves a device number for the memory APIs: nil means
// "treat as host memory" (explicit host fallback, or a device without the
// CapOpenMP400 capability).
func (m *Manager) memcpyDevice(deviceNum int) (*Device, error) {
	if deviceNum == DeviceHostFallback {
		return nil, nil
	}
	if deviceNum < 0 {
		return nil, unix.EINVAL
	}
	d := m.resolveDevice(nil, deviceNum)
	if d == nil {
		return nil, unix.EINVAL
	}
	if d.caps&plugin.CapOpenMP400 == 0 {
		return nil, nil
	}
	return d, nil
}

// TargetAlloc allocates size bytes on the given device and returns the
// device address, or 0 on failure.
func (m *Manager) TargetAlloc(size uintptr, deviceNum int) uintptr {
	if deviceNum == DeviceHostFallback {
		return fallbackHeap.alloc(size)
	}
	if deviceNum < 0 {
		return 0
	}
	d := m.resolveDevice(nil, deviceNum)
	if d == nil {
		return 0
	}
	if d.caps&plugin.CapOpenMP400 == 0 {
		return fallbackHeap.alloc(size)
	}
	d.mu.Lock()
	ret := d.plugin.Alloc(d.targetID, size)
	d.mu.Unlock()
	return ret
}

// TargetFree releases an address obtained from TargetAlloc.
func (m *Manager) TargetFree(addr uintptr, deviceNum int) {
	if addr == 0 {
		return
	}
	if deviceNum == DeviceHostFallback {
		fallbackHeap.free(addr)
		return
	}
	if deviceNum < 0 {
		return
	}
	d := m.resolveDevice(nil, deviceNum)
	if d == nil {
		return
	}
	if d.caps&plugin.CapOpenMP400 == 0 {
		fallbackHeap.free(addr)
		return
	}
	d.mu.Lock()
	d.plugin.Free(d.targetID, addr)
	d.mu.Unlock()
}

// TargetIsPresent reports whether ptr has a mapping on the given device.
func (m *Manager) TargetIsPresent(ptr unsafe.Pointer, deviceNum int) bool {
	if ptr == nil {
		return true
	}
	if deviceNum == DeviceHostFallback {
		return true
	}
	if deviceNum < 0 {
		return false
	}
	d := m.resolveDevice(nil, deviceNum)
	if d == nil {
		return false
	}
	if d.caps&plugin.CapOpenMP400 == 0 {
		return true
	}
	d.mu.Lock()
	p := uintptr(ptr)
	_, ok := d.mapLookup(rangemap.Range{Start: p, End: p})
	d.mu.Unlock()
	return ok
}

// TargetMemcpy copies length bytes between two addresses, each host or
// device according to its device number. Cross-device copies in one call are
// rejected. Addresses are raw: host pointers or device addresses.
func (m *Manager) TargetMemcpy(dst, src uintptr, length, dstOff, srcOff uintptr, dstDev, srcDev int) error {
	dstDevice, err := m.memcpyDevice(dstDev)
	if err != nil {
		return err
	}
	srcDevice, err := m.memcpyDevice(srcDev)
	if err != nil {
		return err
	}

	switch {
	case srcDevice == nil && dstDevice == nil:
		memmoveHost(dst+dstOff, src+srcOff, length)
	case srcDevice == nil:
		dstDevice.mu.Lock()
		dstDevice.plugin.Host2Dev(dstDevice.targetID, dst+dstOff,
			unsafe.Pointer(src+srcOff), length)
		dstDevice.mu.Unlock()
	case dstDevice == nil:
		srcDevice.mu.Lock()
		srcDevice.plugin.Dev2Host(srcDevice.targetID,
			unsafe.Pointer(dst+dstOff), src+srcOff, length)
		srcDevice.mu.Unlock()
	case srcDevice == dstDevice:
		srcDevice.mu.Lock()
		srcDevice.plugin.Dev2Dev(srcDevice.targetID, dst+dstOff, src+srcOff, length)
		srcDevice.mu.Unlock()
	default:
		return unix.EINVAL
	}
	return nil
}

// memcpyRectWorker copies one slice of the rectangle recursively. The
// caller holds whichever device lock applies.
func memcpyRectWorker(dst, src uintptr, elemSize uintptr, numDims int, volume, dstOffsets, srcOffsets, dstDims, srcDims []uintptr, dstDevice, srcDevice *Device) error {
	if numDims == 1 {
		length, of1 := mulOverflow(elemSize, volume[0])
		dstOff, of2 := mulOverflow(elemSize, dstOffsets[0])
		srcOff, of3 := mulOverflow(elemSize, srcOffsets[0])
		if of1 || of2 || of3 {
			return unix.EINVAL
		}
		switch {
		case dstDevice == nil && srcDevice == nil:
			memmoveHost(dst+dstOff, src+srcOff, length)
		case srcDevice == nil:
			dstDevice.plugin.Host2Dev(dstDevice.targetID, dst+dstOff,
				unsafe.Pointer(src+srcOff), length)
		case dstDevice == nil:
			srcDevice.plugin.Dev2Host(srcDevice.targetID,
				unsafe.Pointer(dst+dstOff), src+srcOff, length)
		case srcDevice == dstDevice:
			srcDevice.plugin.Dev2Dev(srcDevice.targetID, dst+dstOff, src+srcOff, length)
		default:
			return unix.EINVAL
		}
		return nil
	}

	dstSlice := elemSize
	srcSlice := elemSize
	for i := 1; i < numDims; i++ {
		var of bool
		if dstSlice, of = mulOverflow(dstSlice, dstDims[i]); of {
			return unix.EINVAL
		}
		if srcSlice, of = mulOverflow(srcSlice, srcDims[i]); of {
			return unix.EINVAL
		}
	}
	dstOff, of1 := mulOverflow(dstSlice, dstOffsets[0])
	srcOff, of2 := mulOverflow(srcSlice, srcOffsets[0])
	if of1 || of2 {
		return unix.EINVAL
	}
	for j := uintptr(0); j < volume[0]; j++ {
		if err := memcpyRectWorker(dst+dstOff, src+srcOff, elemSize, numDims-1,
			volume[1:], dstOffsets[1:], srcOffsets[1:], dstDims[1:], srcDims[1:],
			dstDevice, srcDevice); err != nil {
			return err
		}
		dstOff += dstSlice
		srcOff += srcSlice
	}
	return nil
}

// TargetMemcpyRect copies a numDims-dimensional rectangle between two
// arrays, each host- or device-resident according to its device number.
// When both dst and src are zero it reports MemcpyRectMaxDims, the maximum
// supported dimensionality, and copies nothing.
func (m *Manager) TargetMemcpyRect(dst, src uintptr, elemSize uintptr, numDims int, volume, dstOffsets, srcOffsets, dstDims, srcDims []uintptr, dstDev, srcDev int) (int, error) {
	if dst == 0 && src == 0 {
		return MemcpyRectMaxDims, nil
	}

	dstDevice, err := m.memcpyDevice(dstDev)
	if err != nil {
		return 0, err
	}
	srcDevice, err := m.memcpyDevice(srcDev)
	if err != nil {
		return 0, err
	}
	if srcDevice != nil && dstDevice != nil && srcDevice != dstDevice {
		return 0, unix.EINVAL
	}

	lockDev := srcDevice
	if lockDev == nil {
		lockDev = dstDevice
	}
	if lockDev != nil {
		lockDev.mu.Lock()
	}
	err = memcpyRectWorker(dst, src, elemSize, numDims, volume,
		dstOffsets, srcOffsets, dstDims, srcDims, dstDevice, srcDevice)
	if lockDev != nil {
		lockDev.mu.Unlock()
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}

// TargetAssociatePtr pins an existing device allocation as the translation
// of a host range. The association never copies and is only undone by
// TargetDisassociatePtr.
func (m *Manager) TargetAssociatePtr(hostPtr, devicePtr uintptr, size, deviceOffset uintptr, deviceNum int) error {
	if deviceNum == DeviceHostFallback || deviceNum < 0 {
		return unix.EINVAL
	}
	d := m.resolveDevice(nil, deviceNum)
	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		return unix.EINVAL
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur := rangemap.Range{Start: hostPtr, End: hostPtr + size}
	if n, ok := d.mapLookup(cur); ok {
		// Only an exact re-association of the same device bytes succeeds.
		if n.tgt.tgtStart+n.tgtOffset == devicePtr+deviceOffset &&
			n.hostStart <= cur.Start && n.hostEnd >= cur.End {
			return nil
		}
		return unix.EINVAL
	}

	tgt := &TargetMem{
		refs: counted(1),
		dev:  d,
		keys: make([]mapKey, 0, 1),
	}
	tgt.keys = append(tgt.keys, mapKey{
		hostStart: cur.Start,
		hostEnd:   cur.End,
		tgtOffset: devicePtr + deviceOffset,
		tgt:       tgt,
		refs:      pinnedRef(),
	})
	k := &tgt.keys[0]
	d.mem.Insert(cur, k)
	return nil
}

// TargetDisassociatePtr removes an association established by
// TargetAssociatePtr. Mappings created any other way are rejected.
func (m *Manager) TargetDisassociatePtr(ptr uintptr, deviceNum int) error {
	if deviceNum == DeviceHostFallback || deviceNum < 0 {
		return unix.EINVAL
	}
	d := m.resolveDevice(nil, deviceNum)
	if d == nil || d.caps&plugin.CapOpenMP400 == 0 {
		return unix.EINVAL
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.mapLookup(rangemap.Range{Start: ptr, End: ptr})
	if ok && n.hostStart == ptr && n.refs.pinned &&
		n.tgt.tgtStart == 0 && n.tgt.toFree == 0 &&
		!n.tgt.refs.pinned && n.tgt.refs.n == 1 && len(n.tgt.list) == 0 {
		d.mem.Remove(n.hostRange())
		unmapTgt(n.tgt)
		return nil
	}
	return unix.EINVAL
}
