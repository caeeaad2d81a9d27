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
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]*Funcs{}
)

// Register announces an in-process backend under name, typically from an
// init function of the package implementing it. Open consults registered
// backends before searching for shared objects. Register panics if name is
// already taken.
func Register(name string, f *Funcs) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("plugin: Register called twice for backend %q", name))
	}
	registry[name] = f
}

func registered(name string) *Funcs {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}
