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

// Package rangemap provides an ordered associative container keyed by
// half-open host address ranges.
//
// Two ranges are considered equal whenever they overlap, so at most one of
// any set of mutually overlapping ranges can be stored; a lookup with any
// range that overlaps a stored entry returns that entry. Degenerate (empty)
// ranges are permitted and compare equal only to degenerate ranges at the
// same address.
package rangemap

import (
	"github.com/google/btree"
)

// Range is a half-open address interval [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Degenerate returns true if r is empty.
func (r Range) Degenerate() bool {
	return r.Start == r.End
}

// Len returns the length of r.
func (r Range) Len() uintptr {
	return r.End - r.Start
}

// Contains returns true if o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

type entry[T any] struct {
	r Range
	v T
}

// less orders entries by interval: x sorts before y iff x lies entirely
// below y. Overlapping non-degenerate entries are neither less nor greater, which btree
// treats as equal. A degenerate entry orders by address against every other
// entry, sorting before a non-degenerate entry that starts at the same
// address, so it is never equal to a non-degenerate one.
func less[T any](x, y entry[T]) bool {
	if x.r.Degenerate() || y.r.Degenerate() {
		if x.r.Start != y.r.Start {
			return x.r.Start < y.r.Start
		}
		return x.r.Degenerate() && !y.r.Degenerate()
	}
	return x.r.End <= y.r.Start
}

// Map is an ordered map from address ranges to values of type T.
//
// Map is not safe for concurrent use; callers serialize access externally.
type Map[T any] struct {
	tree *btree.BTreeG[entry[T]]
}

// New returns an empty Map.
func New[T any]() *Map[T] {
	return &Map[T]{tree: btree.NewG(8, less[T])}
}

// Len returns the number of stored entries.
func (m *Map[T]) Len() int {
	return m.tree.Len()
}

// Insert stores v under r. The caller guarantees that r does not overlap any
// stored non-degenerate range.
func (m *Map[T]) Insert(r Range, v T) {
	m.tree.ReplaceOrInsert(entry[T]{r: r, v: v})
}

// Remove deletes the entry stored under a range equal to (overlapping) r.
func (m *Map[T]) Remove(r Range) bool {
	_, ok := m.tree.Delete(entry[T]{r: r})
	return ok
}

// Lookup returns the entry overlapping r, if any.
func (m *Map[T]) Lookup(r Range) (T, bool) {
	e, ok := m.tree.Get(entry[T]{r: r})
	return e.v, ok
}

// LookupExtended behaves like Lookup, but widens a degenerate query so that
// pointer bases recover their mapping: it probes the point widened one byte
// to the right, then one byte to the left (for "one past the end" pointers
// produced by array-section arithmetic), then the bare point.
func (m *Map[T]) LookupExtended(r Range) (T, bool) {
	if !r.Degenerate() {
		return m.Lookup(r)
	}
	if v, ok := m.Lookup(Range{r.Start, r.End + 1}); ok {
		return v, ok
	}
	if r.Start > 0 {
		if v, ok := m.Lookup(Range{r.Start - 1, r.End}); ok {
			return v, ok
		}
	}
	return m.Lookup(r)
}

// Ascend calls fn for each entry in ascending range order until fn returns
// false.
func (m *Map[T]) Ascend(fn func(Range, T) bool) {
	m.tree.Ascend(func(e entry[T]) bool {
		return fn(e.r, e.v)
	})
}

// First returns the lowest entry, if any.
func (m *Map[T]) First() (Range, T, bool) {
	e, ok := m.tree.Min()
	return e.r, e.v, ok
}
