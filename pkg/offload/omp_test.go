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
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestTargetAllocFree(t *testing.T) {
	m, plug := newTestManager(t)

	addr := m.TargetAlloc(128, 0)
	if addr == 0 {
		t.Fatal("device allocation failed")
	}
	if got := plug.Outstanding(0); got != 1 {
		t.Fatalf("outstanding allocations: %d, want 1", got)
	}
	m.TargetFree(addr, 0)
	if got := plug.Outstanding(0); got != 0 {
		t.Errorf("outstanding allocations after free: %d", got)
	}

	// Host fallback allocations are real, freeable host memory.
	haddr := m.TargetAlloc(64, DeviceHostFallback)
	if haddr == 0 {
		t.Fatal("host fallback allocation failed")
	}
	*(*byte)(unsafe.Pointer(haddr)) = 0x5c
	m.TargetFree(haddr, DeviceHostFallback)

	if m.TargetAlloc(16, -7) != 0 {
		t.Error("negative device number allocated")
	}
}

func TestTargetMemcpy(t *testing.T) {
	m, _ := newTestManager(t)

	src := make([]byte, 32)
	fill(src, 9)
	dst := make([]byte, 32)

	dev := m.TargetAlloc(32, 0)
	if dev == 0 {
		t.Fatal("device allocation failed")
	}
	defer m.TargetFree(dev, 0)

	// host -> device -> host through a device staging buffer.
	if err := m.TargetMemcpy(dev, uintptr(unsafe.Pointer(&src[0])), 32, 0, 0, 0, DeviceHostFallback); err != nil {
		t.Fatal(err)
	}
	if err := m.TargetMemcpy(uintptr(unsafe.Pointer(&dst[0])), dev, 32, 0, 0, DeviceHostFallback, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("memcpy roundtrip mismatch")
	}

	// Same-device copies go device to device.
	dev2 := m.TargetAlloc(32, 0)
	defer m.TargetFree(dev2, 0)
	if err := m.TargetMemcpy(dev2, dev, 32, 0, 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := m.TargetMemcpy(dev, dev2, 32, 0, 0, -1, 0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("negative device: got %v, want EINVAL", err)
	}
}

func TestTargetMemcpyRect(t *testing.T) {
	m, _ := newTestManager(t)

	// The dual-nil probe reports the supported dimensionality.
	dims, err := m.TargetMemcpyRect(0, 0, 1, 1, nil, nil, nil, nil, nil, 0, 0)
	if err != nil || dims != MemcpyRectMaxDims {
		t.Fatalf("dimension probe: %d, %v", dims, err)
	}

	// Copy the interior 2x2 block of a 4x4 byte matrix, host to host.
	src := make([]byte, 16)
	fill(src, 0)
	dst := make([]byte, 16)
	_, err = m.TargetMemcpyRect(
		uintptr(unsafe.Pointer(&dst[0])), uintptr(unsafe.Pointer(&src[0])),
		1, 2,
		[]uintptr{2, 2}, // volume
		[]uintptr{1, 1}, // dst offsets
		[]uintptr{1, 1}, // src offsets
		[]uintptr{4, 4}, // dst dims
		[]uintptr{4, 4}, // src dims
		DeviceHostFallback, DeviceHostFallback)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 16)
	want[1*4+1] = src[1*4+1]
	want[1*4+2] = src[1*4+2]
	want[2*4+1] = src[2*4+1]
	want[2*4+2] = src[2*4+2]
	if !bytes.Equal(dst, want) {
		t.Errorf("rect copy: got %v, want %v", dst, want)
	}

	// The same rectangle through device memory.
	dev := m.TargetAlloc(16, 0)
	defer m.TargetFree(dev, 0)
	if err := m.TargetMemcpy(dev, uintptr(unsafe.Pointer(&src[0])), 16, 0, 0, 0, DeviceHostFallback); err != nil {
		t.Fatal(err)
	}
	dst2 := make([]byte, 16)
	_, err = m.TargetMemcpyRect(
		uintptr(unsafe.Pointer(&dst2[0])), dev,
		1, 2,
		[]uintptr{2, 2}, []uintptr{1, 1}, []uintptr{1, 1},
		[]uintptr{4, 4}, []uintptr{4, 4},
		DeviceHostFallback, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst2, want) {
		t.Errorf("device rect copy: got %v, want %v", dst2, want)
	}

	// Overflowing extent arithmetic is rejected, not wrapped.
	huge := ^uintptr(0)
	if _, err := m.TargetMemcpyRect(
		uintptr(unsafe.Pointer(&dst[0])), uintptr(unsafe.Pointer(&src[0])),
		8, 1,
		[]uintptr{huge}, []uintptr{0}, []uintptr{0},
		[]uintptr{huge}, []uintptr{huge},
		DeviceHostFallback, DeviceHostFallback); !errors.Is(err, unix.EINVAL) {
		t.Errorf("overflow: got %v, want EINVAL", err)
	}
}

func TestIsPresent(t *testing.T) {
	m, _ := newTestManager(t)
	tk := m.NewTask()

	buf := make([]byte, 16)
	base := unsafe.Pointer(&buf[0])

	if !m.TargetIsPresent(nil, 0) {
		t.Error("nil pointer is always present")
	}
	if !m.TargetIsPresent(base, DeviceHostFallback) {
		t.Error("host fallback is always present")
	}
	if m.TargetIsPresent(base, -9) {
		t.Error("negative device reported presence")
	}
	if m.TargetIsPresent(base, 0) {
		t.Error("unmapped pointer reported present")
	}

	m.TargetDataExt(tk, 0, []unsafe.Pointer{base}, []uintptr{16}, []uint16{MapTo})
	if !m.TargetIsPresent(base, 0) {
		t.Error("mapped pointer not present")
	}
	// One past the end resolves through the widened probe.
	if !m.TargetIsPresent(unsafe.Pointer(uintptr(base)+16), 0) {
		t.Error("one-past-the-end pointer not present")
	}
	m.TargetEndData(tk)
	if m.TargetIsPresent(base, 0) {
		t.Error("pointer present after unmap")
	}
}

func TestAssociatePtr(t *testing.T) {
	m, plug := newTestManager(t)

	buf := make([]byte, 64)
	base := uintptr(unsafe.Pointer(&buf[0]))
	dev := m.TargetAlloc(64, 0)
	defer m.TargetFree(dev, 0)

	if err := m.TargetAssociatePtr(base, dev, 64, 0, 0); err != nil {
		t.Fatal(err)
	}
	if !m.TargetIsPresent(unsafe.Pointer(&buf[0]), 0) {
		t.Error("associated pointer not present")
	}
	// Re-associating the same bytes succeeds; a different target collides.
	if err := m.TargetAssociatePtr(base, dev, 64, 0, 0); err != nil {
		t.Errorf("re-association: %v", err)
	}
	if err := m.TargetAssociatePtr(base, dev, 64, 8, 0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("collision: got %v, want EINVAL", err)
	}

	// The association pins the mapping: data regions over it never free it.
	tk := m.NewTask()
	m.TargetDataExt(tk, 0, []unsafe.Pointer{unsafe.Pointer(&buf[0])},
		[]uintptr{64}, []uint16{MapTofrom})
	m.TargetEndData(tk)
	if !m.TargetIsPresent(unsafe.Pointer(&buf[0]), 0) {
		t.Error("association dropped by map/unmap cycle")
	}

	if err := m.TargetDisassociatePtr(base, 0); err != nil {
		t.Fatal(err)
	}
	if m.TargetIsPresent(unsafe.Pointer(&buf[0]), 0) {
		t.Error("pointer present after disassociation")
	}
	if err := m.TargetDisassociatePtr(base, 0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("double disassociation: got %v, want EINVAL", err)
	}
	if got := plug.Outstanding(0); got != 1 { // only the explicit TargetAlloc
		t.Errorf("outstanding allocations: %d, want 1", got)
	}
}

func TestNumDevices(t *testing.T) {
	m, _ := newTestManager(t)
	if got := m.NumDevices(); got != 1 {
		t.Fatalf("NumDevices: %d, want 1", got)
	}
	if _, err := m.Info(0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Info(1); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Info out of range: got %v, want EINVAL", err)
	}
	if err := m.EnsureDevice(0); err != nil {
		t.Fatal(err)
	}
}
