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

// refcount is either a finite use count or pinned. Pinned counts belong to
// image-registered symbols and user-associated pointers; no arithmetic on a
// refcount can decrement a pinned one, so pinned mappings are never
// auto-reclaimed.
type refcount struct {
	pinned bool
	n      uintptr
}

func counted(n uintptr) refcount {
	return refcount{n: n}
}

func pinnedRef() refcount {
	return refcount{pinned: true}
}

// inc adds one use; pinned counts are unaffected.
func (r *refcount) inc() {
	if !r.pinned {
		r.n++
	}
}

// dec drops one use; pinned counts are unaffected.
func (r *refcount) dec() {
	if !r.pinned {
		r.n--
	}
}

// setZero forces the count to zero; pinned counts are unaffected.
func (r *refcount) setZero() {
	if !r.pinned {
		r.n = 0
	}
}

// dead reports whether the count has dropped to zero. Pinned counts are
// never dead.
func (r refcount) dead() bool {
	return !r.pinned && r.n == 0
}
