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

package plugin

import (
	"fmt"
	"path/filepath"
	goplugin "plugin"
	"unsafe"
)

const (
	// FilePrefix and SonameSuffix form the filename pattern of a
	// shared-object plugin: libgomp-plugin-<name><suffix>.
	FilePrefix   = "libgomp-plugin-"
	SonameSuffix = ".so"

	// symbolPrefix is prepended to every symbol a plugin exports.
	symbolPrefix = "Offload"
)

// Open resolves the backend named name: the in-process registry first, then
// the shared object libgomp-plugin-<name>.so under dir (or under the current
// working directory when dir is empty). The returned record has been
// validated against its own capability bits.
func Open(dir, name string) (*Funcs, error) {
	if f := registered(name); f != nil {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("builtin %s: %w", name, err)
		}
		return f, nil
	}
	path := filepath.Join(dir, FilePrefix+name+SonameSuffix)
	f, err := openShared(path)
	if err != nil {
		return nil, fmt.Errorf("while loading %s: %w", path, err)
	}
	return f, nil
}

// binder accumulates symbol lookups against one shared object. The first
// missing or mistyped required symbol is remembered so the error can name
// it.
type binder struct {
	p       *goplugin.Plugin
	missing string
}

func (b *binder) err() error {
	if b.missing == "" {
		return nil
	}
	return fmt.Errorf("missing function %s%s", symbolPrefix, b.missing)
}

// bind resolves one required symbol; on failure the zero function is
// returned and the binder records the name.
func bind[T any](b *binder, name string) T {
	var zero T
	if b.missing != "" {
		return zero
	}
	sym, err := b.p.Lookup(symbolPrefix + name)
	if err != nil {
		b.missing = name
		return zero
	}
	fn, ok := sym.(T)
	if !ok {
		b.missing = name
		return zero
	}
	return fn
}

// bindOpt resolves one optional symbol.
func bindOpt[T any](b *binder, name string) (T, bool) {
	var zero T
	sym, err := b.p.Lookup(symbolPrefix + name)
	if err != nil {
		return zero, false
	}
	fn, ok := sym.(T)
	if !ok {
		return zero, false
	}
	return fn, true
}

func openShared(path string) (*Funcs, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	b := &binder{p: p}

	f := &Funcs{}
	f.Version = bind[func() uint32](b, "Version")
	if err := b.err(); err != nil {
		return nil, err
	}
	if f.Version() != Version {
		return nil, ErrVersionMismatch
	}

	f.GetName = bind[func() string](b, "GetName")
	f.GetCaps = bind[func() uint32](b, "GetCaps")
	f.GetType = bind[func() TargetType](b, "GetType")
	f.GetNumDevices = bind[func() int](b, "GetNumDevices")
	f.InitDevice = bind[func(int)](b, "InitDevice")
	f.FiniDevice = bind[func(int)](b, "FiniDevice")
	f.LoadImage = bind[func(int, uint32, any) []AddrPair](b, "LoadImage")
	f.UnloadImage = bind[func(int, uint32, any)](b, "UnloadImage")
	f.Alloc = bind[func(int, uintptr) uintptr](b, "Alloc")
	f.Free = bind[func(int, uintptr)](b, "Free")
	f.Dev2Host = bind[func(int, unsafe.Pointer, uintptr, uintptr)](b, "Dev2Host")
	f.Host2Dev = bind[func(int, uintptr, unsafe.Pointer, uintptr)](b, "Host2Dev")
	if err := b.err(); err != nil {
		return nil, err
	}

	caps := f.GetCaps()
	if caps&CapOpenMP400 != 0 {
		f.Run = bind[func(int, uintptr, uintptr)](b, "Run")
		f.Dev2Dev = bind[func(int, uintptr, uintptr, uintptr)](b, "Dev2Dev")
		if err := b.err(); err != nil {
			return nil, err
		}
	}
	if caps&CapOpenACC200 != 0 {
		acc, err := bindOpenACC(b)
		if err != nil {
			return nil, err
		}
		f.OpenACC = acc
	}
	return f, nil
}

func bindOpenACC(b *binder) (*OpenACC, error) {
	acc := &OpenACC{}
	all := true
	opt := func(present bool) {
		all = all && present
	}

	var ok bool
	acc.Exec, ok = bindOpt[func(int, uintptr, int, []unsafe.Pointer, []uintptr, []uint16, int, [3]int, uintptr)](b, "OpenACCExec")
	opt(ok)
	acc.RegisterAsyncCleanup, ok = bindOpt[func(int, int)](b, "OpenACCRegisterAsyncCleanup")
	opt(ok)
	acc.AsyncTest, ok = bindOpt[func(int) int](b, "OpenACCAsyncTest")
	opt(ok)
	acc.AsyncTestAll, ok = bindOpt[func() int](b, "OpenACCAsyncTestAll")
	opt(ok)
	acc.AsyncWait, ok = bindOpt[func(int)](b, "OpenACCAsyncWait")
	opt(ok)
	acc.AsyncWaitAsync, ok = bindOpt[func(int, int)](b, "OpenACCAsyncWaitAsync")
	opt(ok)
	acc.AsyncWaitAll, ok = bindOpt[func()](b, "OpenACCAsyncWaitAll")
	opt(ok)
	acc.AsyncWaitAllAsync, ok = bindOpt[func(int)](b, "OpenACCAsyncWaitAllAsync")
	opt(ok)
	acc.AsyncSetAsync, ok = bindOpt[func(int)](b, "OpenACCAsyncSetAsync")
	opt(ok)
	acc.CreateThreadData, ok = bindOpt[func(int) unsafe.Pointer](b, "OpenACCCreateThreadData")
	opt(ok)
	acc.DestroyThreadData, ok = bindOpt[func(unsafe.Pointer)](b, "OpenACCDestroyThreadData")
	opt(ok)
	if !all {
		return nil, fmt.Errorf("plugin missing OpenACC handler function")
	}

	cuda := &CUDA{}
	n := 0
	if cuda.GetCurrentDevice, ok = bindOpt[func() unsafe.Pointer](b, "OpenACCGetCurrentCUDADevice"); ok {
		n++
	}
	if cuda.GetCurrentContext, ok = bindOpt[func() unsafe.Pointer](b, "OpenACCGetCurrentCUDAContext"); ok {
		n++
	}
	if cuda.GetStream, ok = bindOpt[func(int) unsafe.Pointer](b, "OpenACCGetCUDAStream"); ok {
		n++
	}
	if cuda.SetStream, ok = bindOpt[func(int, unsafe.Pointer) int](b, "OpenACCSetCUDAStream"); ok {
		n++
	}
	switch n {
	case 0:
	case 4:
		acc.CUDA = cuda
	default:
		return nil, fmt.Errorf("plugin missing OpenACC CUDA handler function")
	}
	return acc, nil
}
