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

// Package plugin defines the device plugin ABI of the offload runtime and
// loads plugin backends.
//
// A backend is described by a Funcs capability record. Records come from two
// sources: shared-object plugins resolved by the libgomp-plugin-<name>
// filename convention and bound symbol by symbol, and in-process backends
// linked into the binary and announced with Register.
package plugin

import (
	"errors"
	"fmt"
	"unsafe"
)

// Version is the plugin interface version spoken by this host.
const Version = 1

// VersionPack combines a library and a device version into the packed form
// carried by offload images.
func VersionPack(lib, dev uint32) uint32 {
	return lib<<16 | dev
}

// VersionLib extracts the library half of a packed version.
func VersionLib(v uint32) uint32 {
	return v >> 16
}

// VersionDev extracts the device half of a packed version.
func VersionDev(v uint32) uint32 {
	return v & 0xffff
}

// TargetType identifies the device family a plugin drives.
type TargetType uint32

// Known target types.
const (
	TypeHost     TargetType = 2
	TypeIntelMIC TargetType = 5
	TypeNVPTX    TargetType = 7
)

// Capability bits reported by GetCaps.
const (
	CapSharedMem  = 1 << 0
	CapNativeExec = 1 << 1
	CapOpenMP400  = 1 << 2
	CapOpenACC200 = 1 << 3
)

// AddrPair is one device address range returned by LoadImage.
type AddrPair struct {
	Start uintptr
	End   uintptr
}

// Funcs is the capability record of one plugin backend. It is populated once
// at load time; downstream code only ever calls through it and never deals
// with symbol names.
//
// Every function may block arbitrarily; callers hold the owning device's
// lock across calls that touch device state.
type Funcs struct {
	Version       func() uint32
	GetName       func() string
	GetCaps       func() uint32
	GetType       func() TargetType
	GetNumDevices func() int
	InitDevice    func(id int)
	FiniDevice    func(id int)

	// LoadImage loads the opaque device payload of an offload image and
	// returns one address pair per host table entry, functions first.
	LoadImage   func(id int, version uint32, data any) []AddrPair
	UnloadImage func(id int, version uint32, data any)

	Alloc    func(id int, size uintptr) uintptr
	Free     func(id int, addr uintptr)
	Dev2Host func(id int, dst unsafe.Pointer, src uintptr, n uintptr)
	Host2Dev func(id int, dst uintptr, src unsafe.Pointer, n uintptr)

	// Required when GetCaps reports CapOpenMP400.
	Run     func(id int, fn uintptr, args uintptr)
	Dev2Dev func(id int, dst, src uintptr, n uintptr)

	// Required when GetCaps reports CapOpenACC200.
	OpenACC *OpenACC
}

// OpenACC is the accelerator-API bundle of a CapOpenACC200 plugin.
type OpenACC struct {
	Exec              func(id int, fn uintptr, mapnum int, hostaddrs []unsafe.Pointer, sizes []uintptr, kinds []uint16, async int, dims [3]int, targs uintptr)
	RegisterAsyncCleanup func(id int, async int)
	AsyncTest         func(async int) int
	AsyncTestAll      func() int
	AsyncWait         func(async int)
	AsyncWaitAsync    func(wait, async int)
	AsyncWaitAll      func()
	AsyncWaitAllAsync func(async int)
	AsyncSetAsync     func(async int)
	CreateThreadData  func(id int) unsafe.Pointer
	DestroyThreadData func(data unsafe.Pointer)

	// CUDA is the vendor bundle; it must be entirely present or entirely
	// absent.
	CUDA *CUDA
}

// CUDA is the vendor-specific bundle of an OpenACC plugin.
type CUDA struct {
	GetCurrentDevice  func() unsafe.Pointer
	GetCurrentContext func() unsafe.Pointer
	GetStream         func(async int) unsafe.Pointer
	SetStream         func(async int, stream unsafe.Pointer) int
}

// ErrVersionMismatch is returned when a plugin speaks a different interface
// version than this host.
var ErrVersionMismatch = errors.New("plugin version mismatch")

// Validate checks that f carries every function its capabilities require and
// that its version matches the host. Open calls it for in-process backends;
// shared objects are checked the same way while their symbols are bound.
func (f *Funcs) Validate() error {
	required := []struct {
		name string
		ok   bool
	}{
		{"Version", f.Version != nil},
		{"GetName", f.GetName != nil},
		{"GetCaps", f.GetCaps != nil},
		{"GetType", f.GetType != nil},
		{"GetNumDevices", f.GetNumDevices != nil},
		{"InitDevice", f.InitDevice != nil},
		{"FiniDevice", f.FiniDevice != nil},
		{"LoadImage", f.LoadImage != nil},
		{"UnloadImage", f.UnloadImage != nil},
		{"Alloc", f.Alloc != nil},
		{"Free", f.Free != nil},
		{"Dev2Host", f.Dev2Host != nil},
		{"Host2Dev", f.Host2Dev != nil},
	}
	for _, r := range required {
		if !r.ok {
			return fmt.Errorf("missing function %s%s", symbolPrefix, r.name)
		}
	}
	if f.Version() != Version {
		return ErrVersionMismatch
	}
	caps := f.GetCaps()
	if caps&CapOpenMP400 != 0 {
		if f.Run == nil {
			return fmt.Errorf("missing function %sRun", symbolPrefix)
		}
		if f.Dev2Dev == nil {
			return fmt.Errorf("missing function %sDev2Dev", symbolPrefix)
		}
	}
	if caps&CapOpenACC200 != 0 {
		acc := f.OpenACC
		if acc == nil {
			return errors.New("plugin missing OpenACC handler bundle")
		}
		handlers := []bool{
			acc.Exec != nil,
			acc.RegisterAsyncCleanup != nil,
			acc.AsyncTest != nil,
			acc.AsyncTestAll != nil,
			acc.AsyncWait != nil,
			acc.AsyncWaitAsync != nil,
			acc.AsyncWaitAll != nil,
			acc.AsyncWaitAllAsync != nil,
			acc.AsyncSetAsync != nil,
			acc.CreateThreadData != nil,
			acc.DestroyThreadData != nil,
		}
		for _, ok := range handlers {
			if !ok {
				return errors.New("plugin missing OpenACC handler function")
			}
		}
		if cuda := acc.CUDA; cuda != nil {
			n := 0
			if cuda.GetCurrentDevice != nil {
				n++
			}
			if cuda.GetCurrentContext != nil {
				n++
			}
			if cuda.GetStream != nil {
				n++
			}
			if cuda.SetStream != nil {
				n++
			}
			if n != 4 {
				return errors.New("plugin missing OpenACC CUDA handler function")
			}
		}
	}
	return nil
}
