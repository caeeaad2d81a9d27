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

// Package hostplug implements an in-process offload backend whose "device
// memory" is anonymous host mmap. It gives the runtime a real device to
// drive without hardware: allocations, transfers and kernel launches all
// operate on ordinary host pages, so tests and offloadctl can observe
// device-side bytes directly.
package hostplug

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/goffload/goffload/pkg/plugin"
)

// Name is the backend's name in the plugin registry.
const Name = "host"

// Image is the opaque device payload of an offload image targeting this
// backend: one Go function per host table function entry and one size per
// host table variable entry.
type Image struct {
	// Kernels run with the device address of the argument block, which on
	// this backend is directly dereferenceable.
	Kernels []func(args unsafe.Pointer)

	// VarSizes gives the byte size of each device-resident variable.
	VarSizes []uintptr
}

type imageState struct {
	handles []uintptr
	bases   []uintptr
}

type dev struct {
	inited  bool
	allocs  map[uintptr][]byte
	kernels map[uintptr]func(unsafe.Pointer)
	images  map[*Image]imageState
	next    uintptr
}

// Plug is one host backend instance exposing a fixed number of devices.
type Plug struct {
	mu   sync.Mutex
	devs []*dev
}

// Default is the instance registered under Name.
var Default = New(1)

func init() {
	plugin.Register(Name, Default.Funcs())
}

// New returns a backend exposing n devices.
func New(n int) *Plug {
	p := &Plug{devs: make([]*dev, n)}
	for i := range p.devs {
		p.devs[i] = &dev{
			allocs:  map[uintptr][]byte{},
			kernels: map[uintptr]func(unsafe.Pointer){},
			images:  map[*Image]imageState{},
			next:    1,
		}
	}
	return p
}

// Outstanding returns the number of live device allocations on device id,
// including image variable storage.
func (p *Plug) Outstanding(id int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devs[id].allocs)
}

func (p *Plug) dev(id int) *dev {
	if id < 0 || id >= len(p.devs) {
		panic(fmt.Sprintf("hostplug: no device %d", id))
	}
	return p.devs[id]
}

func (d *dev) alloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	d.allocs[base] = b
	return base
}

func (d *dev) free(addr uintptr) {
	b, ok := d.allocs[addr]
	if !ok {
		panic(fmt.Sprintf("hostplug: free of unknown device address %#x", addr))
	}
	delete(d.allocs, addr)
	unix.Munmap(b)
}

// Funcs returns the backend's capability record.
func (p *Plug) Funcs() *plugin.Funcs {
	return &plugin.Funcs{
		Version: func() uint32 { return plugin.Version },
		GetName: func() string { return Name },
		GetCaps: func() uint32 { return plugin.CapOpenMP400 | plugin.CapSharedMem },
		GetType: func() plugin.TargetType { return plugin.TypeHost },
		GetNumDevices: func() int {
			return len(p.devs)
		},
		InitDevice: func(id int) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.dev(id).inited = true
		},
		FiniDevice: func(id int) {
			p.mu.Lock()
			defer p.mu.Unlock()
			d := p.dev(id)
			for base := range d.allocs {
				d.free(base)
			}
			d.inited = false
		},
		LoadImage:   p.loadImage,
		UnloadImage: p.unloadImage,
		Alloc: func(id int, size uintptr) uintptr {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.dev(id).alloc(size)
		},
		Free: func(id int, addr uintptr) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.dev(id).free(addr)
		},
		Host2Dev: func(id int, dst uintptr, src unsafe.Pointer, n uintptr) {
			if n == 0 {
				return
			}
			copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n), unsafe.Slice((*byte)(src), n))
		},
		Dev2Host: func(id int, dst unsafe.Pointer, src uintptr, n uintptr) {
			if n == 0 {
				return
			}
			copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
		},
		Dev2Dev: func(id int, dst, src uintptr, n uintptr) {
			if n == 0 {
				return
			}
			copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n), unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
		},
		Run: p.run,
	}
}

func (p *Plug) loadImage(id int, version uint32, data any) []plugin.AddrPair {
	img, ok := data.(*Image)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.dev(id)
	st := imageState{}
	pairs := make([]plugin.AddrPair, 0, len(img.Kernels)+len(img.VarSizes))
	for _, fn := range img.Kernels {
		h := d.next
		d.next++
		d.kernels[h] = fn
		st.handles = append(st.handles, h)
		pairs = append(pairs, plugin.AddrPair{Start: h, End: h + 1})
	}
	for _, size := range img.VarSizes {
		base := d.alloc(size)
		st.bases = append(st.bases, base)
		pairs = append(pairs, plugin.AddrPair{Start: base, End: base + size})
	}
	d.images[img] = st
	return pairs
}

func (p *Plug) unloadImage(id int, version uint32, data any) {
	img, ok := data.(*Image)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.dev(id)
	st, ok := d.images[img]
	if !ok {
		return
	}
	for _, h := range st.handles {
		delete(d.kernels, h)
	}
	for _, base := range st.bases {
		d.free(base)
	}
	delete(d.images, img)
}

func (p *Plug) run(id int, fn uintptr, args uintptr) {
	p.mu.Lock()
	kern, ok := p.dev(id).kernels[fn]
	p.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("hostplug: run of unknown function %#x", fn))
	}
	kern(unsafe.Pointer(args))
}
