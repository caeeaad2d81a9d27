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

package hostplug

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/goffload/goffload/pkg/plugin"
)

func TestAllocTransferFree(t *testing.T) {
	p := New(1)
	f := p.Funcs()
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
	f.InitDevice(0)

	addr := f.Alloc(0, 4096)
	if addr == 0 {
		t.Fatal("Alloc failed")
	}
	if got := p.Outstanding(0); got != 1 {
		t.Fatalf("Outstanding: %d, want 1", got)
	}

	src := []byte("device bytes")
	f.Host2Dev(0, addr, unsafe.Pointer(&src[0]), uintptr(len(src)))
	dst := make([]byte, len(src))
	f.Dev2Host(0, unsafe.Pointer(&dst[0]), addr, uintptr(len(dst)))
	if !bytes.Equal(dst, src) {
		t.Errorf("roundtrip: got %q", dst)
	}

	addr2 := f.Alloc(0, 64)
	f.Dev2Dev(0, addr2, addr, uintptr(len(src)))
	f.Dev2Host(0, unsafe.Pointer(&dst[0]), addr2, uintptr(len(dst)))
	if !bytes.Equal(dst, src) {
		t.Errorf("dev2dev: got %q", dst)
	}

	f.Free(0, addr)
	f.Free(0, addr2)
	if got := p.Outstanding(0); got != 0 {
		t.Errorf("Outstanding after free: %d", got)
	}
}

func TestImageLoadRun(t *testing.T) {
	p := New(1)
	f := p.Funcs()
	f.InitDevice(0)

	var gotArg uintptr
	img := &Image{
		Kernels: []func(unsafe.Pointer){
			func(args unsafe.Pointer) { gotArg = uintptr(args) },
		},
		VarSizes: []uintptr{16},
	}
	pairs := f.LoadImage(0, plugin.Version, img)
	if len(pairs) != 2 {
		t.Fatalf("LoadImage returned %d pairs, want 2", len(pairs))
	}
	if pairs[0].End != pairs[0].Start+1 {
		t.Error("function pair is not a unit range")
	}
	if pairs[1].End-pairs[1].Start != 16 {
		t.Errorf("variable pair size: %d, want 16", pairs[1].End-pairs[1].Start)
	}
	if got := p.Outstanding(0); got != 1 { // the variable's storage
		t.Errorf("Outstanding after load: %d, want 1", got)
	}

	f.Run(0, pairs[0].Start, 0x1234)
	if gotArg != 0x1234 {
		t.Errorf("kernel argument: %#x, want 0x1234", gotArg)
	}

	f.UnloadImage(0, plugin.Version, img)
	if got := p.Outstanding(0); got != 0 {
		t.Errorf("Outstanding after unload: %d", got)
	}
}

func TestFiniReleasesAll(t *testing.T) {
	p := New(1)
	f := p.Funcs()
	f.InitDevice(0)
	f.Alloc(0, 128)
	f.Alloc(0, 256)
	f.FiniDevice(0)
	if got := p.Outstanding(0); got != 0 {
		t.Errorf("Outstanding after fini: %d", got)
	}
}

func TestDefaultRegistered(t *testing.T) {
	f, err := plugin.Open("", Name)
	if err != nil {
		t.Fatal(err)
	}
	if f.GetType() != plugin.TypeHost {
		t.Errorf("type: %d, want %d", f.GetType(), plugin.TypeHost)
	}
	if f.GetCaps()&plugin.CapOpenMP400 == 0 {
		t.Error("host backend lacks the compute capability")
	}
}
