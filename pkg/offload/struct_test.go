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
	"testing"
	"unsafe"
)

// Mapping selected fields of a structure reserves one contiguous device
// area; device offsets follow host offsets, and a later batch over the same
// fields resolves against the existing records.
func TestStructFields(t *testing.T) {
	m, plug := newTestManager(t)
	tk := m.NewTask()
	d := deviceOf(t, m)

	type rec struct {
		a   int64
		pad [8]byte
		b   int64
	}
	s := &rec{a: 0x0a, b: 0x0b}

	hostAddrs := []unsafe.Pointer{
		unsafe.Pointer(s),
		unsafe.Pointer(&s.a),
		unsafe.Pointer(&s.b),
	}
	sizes := []uintptr{2, 8, 8}
	kinds := []uint16{MapStruct, MapTo, MapTofrom}

	tgt, err := m.MapVars(tk, 0, hostAddrs, sizes, kinds)
	if err != nil {
		t.Fatal(err)
	}
	if got := plug.Outstanding(0); got != 1 {
		t.Fatalf("struct batch allocations: %d, want 1", got)
	}

	ka := mappingOf(t, d, unsafe.Pointer(&s.a), 8)
	kb := mappingOf(t, d, unsafe.Pointer(&s.b), 8)
	if ka.tgt != kb.tgt {
		t.Error("struct fields split across descriptors")
	}
	hostDelta := uintptr(unsafe.Pointer(&s.b)) - uintptr(unsafe.Pointer(&s.a))
	if kb.tgtOffset-ka.tgtOffset != hostDelta {
		t.Errorf("device layout does not follow host offsets: delta %#x, want %#x",
			kb.tgtOffset-ka.tgtOffset, hostDelta)
	}

	// Remapping the same fields attaches to the existing records.
	tgt2, err := m.MapVars(tk, 0, hostAddrs, sizes, kinds)
	if err != nil {
		t.Fatal(err)
	}
	if got := plug.Outstanding(0); got != 1 {
		t.Errorf("remap allocated: %d allocations", got)
	}
	if ka.refs.n != 2 || kb.refs.n != 2 {
		t.Errorf("field refcounts after remap: %d/%d, want 2/2", ka.refs.n, kb.refs.n)
	}

	// Only the final unmap copies the TOFROM field back.
	pokeDevice(t, d, kb, unsafe.Pointer(&s.b), []byte{9, 0, 0, 0, 0, 0, 0, 0})
	m.UnmapVars(tgt2, true)
	if s.b != 0x0b {
		t.Error("inner unmap copied back")
	}
	m.UnmapVars(tgt, true)
	if s.b != 9 {
		t.Errorf("outer unmap did not copy back: b = %#x", s.b)
	}
	if got := indexLen(d); got != 0 {
		t.Errorf("index has %d records after teardown", got)
	}
	if got := plug.Outstanding(0); got != 0 {
		t.Errorf("allocations leaked: %d", got)
	}
}

// A structure field whose enclosing interval is mapped but whose sibling
// relation does not hold is a contract violation.
func TestStructFieldMismatchFatal(t *testing.T) {
	m, _ := newTestManager(t)
	tk := m.NewTask()
	d := deviceOf(t, m)

	type rec struct {
		a int64
		b int64
	}
	s := &rec{}

	// Map only field a through a plain batch.
	m.TargetDataExt(tk, 0, []unsafe.Pointer{unsafe.Pointer(&s.a)},
		[]uintptr{8}, []uint16{MapTo})

	// A struct batch over both fields finds a's record as the enclosing
	// mapping, but b was never mapped with it.
	wantFatal(t, d, func() {
		m.MapVars(tk, 0, []unsafe.Pointer{
			unsafe.Pointer(s), unsafe.Pointer(&s.a), unsafe.Pointer(&s.b),
		}, []uintptr{2, 8, 8}, []uint16{MapStruct, MapTo, MapTo})
	})
	m.TargetEndData(tk)
}

// A pointer set maps once; trailing pointer clauses inside it share its
// record and have their targets translated in place.
func TestToPset(t *testing.T) {
	m, plug := newTestManager(t)
	tk := m.NewTask()
	d := deviceOf(t, m)

	arr := make([]byte, 64)
	arrBase := unsafe.Pointer(&arr[0])
	m.TargetDataExt(tk, 0, []unsafe.Pointer{arrBase}, []uintptr{64}, []uint16{MapTofrom})
	arrKey := mappingOf(t, d, arrBase, 64)

	// A descriptor block of two pointers into arr.
	block := struct{ p0, p1 uintptr }{
		p0: uintptr(unsafe.Pointer(&arr[8])),
		p1: uintptr(unsafe.Pointer(&arr[40])),
	}
	hostAddrs := []unsafe.Pointer{
		unsafe.Pointer(&block),
		unsafe.Pointer(&block.p0),
		unsafe.Pointer(&block.p1),
	}
	sizes := []uintptr{2 * ptrSize, 0, 0}
	kinds := []uint16{MapToPset, MapPointer, MapPointer}

	before := plug.Outstanding(0)
	tgt, err := m.MapVars(tk, 0, hostAddrs, sizes, kinds)
	if err != nil {
		t.Fatal(err)
	}
	if got := plug.Outstanding(0); got != before+1 {
		t.Errorf("pointer-set batch allocations: %d, want %d", got, before+1)
	}

	k := mappingOf(t, d, unsafe.Pointer(&block), 2*ptrSize)
	if k.refs.n != 3 {
		t.Errorf("pointer-set record refcount: %d, want 3", k.refs.n)
	}

	img := deviceBytes(t, d, k, unsafe.Pointer(&block), 2*ptrSize)
	got0 := *(*uintptr)(unsafe.Pointer(&img[0]))
	got1 := *(*uintptr)(unsafe.Pointer(&img[ptrSize]))
	arrDev := arrKey.tgt.tgtStart + arrKey.tgtOffset
	if got0 != arrDev+8 || got1 != arrDev+40 {
		t.Errorf("translated pointers: %#x/%#x, want %#x/%#x",
			got0, got1, arrDev+8, arrDev+40)
	}

	m.UnmapVars(tgt, true)
	if got := plug.Outstanding(0); got != before {
		t.Errorf("pointer-set block leaked: %d allocations", got)
	}
	m.TargetEndData(tk)
}
